package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETAnderson/catalogsync/internal/config"
	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/retry"
)

const productJSON = `{"id":501,"name":"Example United Home 2024/25","sku":"","type":"simple","status":"publish",
"price":"29.99","regular_price":"39.99","sale_price":"29.99","stock_quantity":null,"stock_status":"instock",
"images":[{"src":"https://cdn.example.com/501.jpg"}],"categories":[{"id":1,"name":"Clubs"}],
"attributes":[{"name":"Season","options":["2024/25"]}]}`

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	sites := config.Sites{
		domain.SiteCOM: {BaseURL: srv.URL, ConsumerKey: "ck", ConsumerSec: "cs"},
		domain.SiteUK:  {BaseURL: srv.URL},
	}
	c, err := New(sites, Options{
		HTTPClient: srv.Client(),
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    5 * time.Second,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
	})
	require.NoError(t, err)
	return c
}

func TestClient_FetchEntity_RetriesServiceUnavailableThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "ck", user)
		assert.Equal(t, "cs", pass)
		assert.Equal(t, "/wp-json/wc/v3/products/501", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, productJSON)
	}))
	defer srv.Close()

	e, err := newTestClient(t, srv).FetchEntity(context.Background(), domain.SiteCOM, 501)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(501), e.ID)
	assert.Equal(t, "29.99", e.SalePrice)
	assert.Nil(t, e.StockQuantity)
	require.Len(t, e.Images, 1)
}

func TestClient_FetchEntity_DisguisedFailureIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html><body>Checking your browser</body></html>")
			return
		}
		_, _ = io.WriteString(w, productJSON)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).FetchEntity(context.Background(), domain.SiteCOM, 501)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_FetchEntity_ExhaustsAttemptCap(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(522)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).FetchEntity(context.Background(), domain.SiteCOM, 501)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_FetchEntity_AuthErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"code":"woocommerce_rest_cannot_view"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).FetchEntity(context.Background(), domain.SiteCOM, 501)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_FetchEntity_SchemaFailureIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = io.WriteString(w, `{"name":"missing id"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).FetchEntity(context.Background(), domain.SiteCOM, 501)
	var ue *Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "schema_invalid", ue.Reason)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_FetchEntity_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).FetchEntity(context.Background(), domain.SiteCOM, 9)
	assert.True(t, IsNotFound(err))
}

func TestClient_MissingCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.FetchEntity(context.Background(), domain.SiteUK, 1)
	assert.ErrorIs(t, err, ErrMissingCredentials)

	_, err = c.FetchEntity(context.Background(), domain.SiteDE, 1)
	assert.ErrorIs(t, err, ErrUnknownSite)
}

func TestClient_ListEntities_UsesTotalPagesHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "publish", q.Get("status"))
		assert.Equal(t, "2", q.Get("per_page"))
		assert.Equal(t, "2024-05-01T00:00:00", q.Get("modified_after"))
		w.Header().Set("X-WP-TotalPages", "2")
		_, _ = io.WriteString(w, `[{"id":1,"name":"a"},{"id":2,"name":"b"}]`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	filter := ListFilter{PageSize: 2, ModifiedAfter: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}

	items, more, err := c.ListEntities(context.Background(), domain.SiteCOM, 1, filter)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.True(t, more)

	_, more, err = c.ListEntities(context.Background(), domain.SiteCOM, 2, filter)
	require.NoError(t, err)
	assert.False(t, more)
}

func TestClient_ListVariations_Paginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wp-json/wc/v3/products/77/variations", r.URL.Path)
		w.Header().Set("X-WP-TotalPages", "2")
		if r.URL.Query().Get("page") == "1" {
			_, _ = io.WriteString(w, `[{"id":101,"sku":"v1","attributes":[{"name":"Size","option":"M"}]}]`)
			return
		}
		_, _ = io.WriteString(w, `[{"id":102,"sku":"v2"}]`)
	}))
	defer srv.Close()

	vars, err := newTestClient(t, srv).ListVariations(context.Background(), domain.SiteCOM, 77)
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "M", vars[0].Attributes[0].Option)
}

func TestClient_UpdateEntityKey_SendsSKU(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "EXA-2425-HOM-STD-501", body["sku"])
		_, _ = io.WriteString(w, `{"id":501,"sku":"EXA-2425-HOM-STD-501"}`)
	}))
	defer srv.Close()

	err := newTestClient(t, srv).UpdateEntityKey(context.Background(), domain.SiteCOM, 501, "EXA-2425-HOM-STD-501")
	require.NoError(t, err)
}

func TestDecodeEntity_RejectsPingBody(t *testing.T) {
	_, err := DecodeEntity([]byte("webhook_id=12"))
	require.Error(t, err)

	e, err := DecodeEntity([]byte(productJSON))
	require.NoError(t, err)
	assert.Equal(t, "Example United Home 2024/25", e.Name)
}

func TestEntity_ModifiedAt(t *testing.T) {
	e := Entity{DateModifiedGMT: "2024-06-01T10:11:12"}
	assert.Equal(t, time.Date(2024, 6, 1, 10, 11, 12, 0, time.UTC), e.ModifiedAt())
	assert.True(t, Entity{}.ModifiedAt().IsZero())
}
