package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ETAnderson/catalogsync/internal/api/auth"
	"github.com/ETAnderson/catalogsync/internal/api/operatorctx"
)

const (
	privateKeyFile = "jwt_private.pem"
	publicKeyFile  = "jwt_public.pem"
)

// NewKeysCommand groups signing-key management.
func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage operator token signing keys",
	}
	cmd.AddCommand(newKeysGenerateCommand(rootOpts))
	return cmd
}

func newKeysGenerateCommand(rootOpts *RootOptions) *cobra.Command {
	var out string
	var bits int

	cmd := &cobra.Command{
		Use:           "generate",
		Short:         "Write a new RSA key pair as PEM files",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			privPEM, pubPEM, err := auth.GenerateKeyPair(bits)
			if err != nil {
				return WrapExitError(ExitCommandError, "generate key", err)
			}
			if err := os.MkdirAll(out, 0o755); err != nil {
				return WrapExitError(ExitCommandError, "create output dir", err)
			}
			privPath := filepath.Join(out, privateKeyFile)
			pubPath := filepath.Join(out, publicKeyFile)
			if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
				return WrapExitError(ExitCommandError, "write private key", err)
			}
			if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
				return WrapExitError(ExitCommandError, "write public key", err)
			}

			paths := map[string]string{"private": privPath, "public": pubPath}
			return rootOpts.output(cmd.OutOrStdout()).Result(paths, func(w io.Writer) {
				fmt.Fprintf(w, "wrote %s\nwrote %s\n", privPath, pubPath)
			})
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", ".", "output directory")
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size")
	return cmd
}

// NewTokenCommand groups operator token helpers.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Operator API tokens",
	}
	cmd.AddCommand(newTokenMintCommand(rootOpts))
	return cmd
}

func newTokenMintCommand(rootOpts *RootOptions) *cobra.Command {
	var sub, role string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Sign an operator token with JWT_PRIVATE_KEY_PEM",
		Long: `Sign an RS256 operator token. The private key is read from
JWT_PRIVATE_KEY_PEM (a .env file in the working directory is honoured).`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sub == "" {
				return NewExitError(ExitCommandError, "--sub is required")
			}
			switch role {
			case operatorctx.RoleOperator, operatorctx.RoleViewer:
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid --role %q (operator or viewer)", role))
			}

			_ = godotenv.Load()
			priv, err := auth.LoadRSAPrivateKeyFromEnv("JWT_PRIVATE_KEY_PEM")
			if err != nil {
				return WrapExitError(ExitCommandError, "load private key", err)
			}
			token, err := auth.SignRS256(priv, sub, role, ttl)
			if err != nil {
				return WrapExitError(ExitCommandError, "sign token", err)
			}

			return rootOpts.output(cmd.OutOrStdout()).Result(map[string]string{"token": token}, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}

	cmd.Flags().StringVar(&sub, "sub", "", "operator subject")
	cmd.Flags().StringVar(&role, "role", operatorctx.RoleOperator, "operator or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
