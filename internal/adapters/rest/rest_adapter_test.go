package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMESReadUsesStationQueryAndBearer(t *testing.T) {
	t.Setenv("MES_TOKEN", "s3cret")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/production/workorders/active", r.URL.Path)
		assert.Equal(t, "EDGE-1", r.URL.Query().Get("station_id"))
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"work_order":"WO-77","oee":0.81,"production_count":120,"timestamp":"2025-01-01T10:00:00Z"}`))
	}))
	defer srv.Close()

	a, err := New(domain.AdapterInfo{Name: "mes", Kind: domain.KindMES},
		Config{Vendor: "wonderware", BaseURL: srv.URL, APIKeyEnv: "MES_TOKEN"}, srv.Client())
	require.NoError(t, err)

	r, err := a.ReadData(context.Background(), "EDGE-1")
	require.NoError(t, err)
	assert.Equal(t, "WO-77", r.Values["work_order"])
	assert.Equal(t, 0.81, r.Values["oee"])
	assert.Equal(t, 120.0, r.Values["production_count"])
	assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), r.Timestamp)
}

func TestERPODataKeyAndBasicAuth(t *testing.T) {
	t.Setenv("ERP_PASS", "pw")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "A_ProductionOrder_2('EDGE-1')")
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "svc", user)
		assert.Equal(t, "pw", pass)
		_, _ = w.Write([]byte(`{"d":{"ProductionOrder":"1000042","Material":"FG-7","TotalQuantity":"500"}}`))
	}))
	defer srv.Close()

	a, err := New(domain.AdapterInfo{
		Name: "erp", Kind: domain.KindERP,
		Tags: []domain.TagMapping{{Name: "order", Address: "ProductionOrder"}, {Name: "material", Address: "Material"}},
	}, Config{Vendor: "sap", BaseURL: srv.URL, Username: "svc", PasswordEnv: "ERP_PASS"}, srv.Client())
	require.NoError(t, err)

	r, err := a.ReadData(context.Background(), "EDGE-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"order": "1000042", "material": "FG-7"}, r.Values)
}

func TestSCADAPostsTagsAndArea(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Tags []string `json:"tags"`
			Area string   `json:"area"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, []string{"Line1/Alarm", "Line1/Mode"}, body.Tags)
		assert.Equal(t, "Area-3", body.Area)
		_, _ = w.Write([]byte(`{"Line1/Alarm":true,"Line1/Mode":"AUTO"}`))
	}))
	defer srv.Close()

	a, err := New(domain.AdapterInfo{Name: "scada", Kind: domain.KindSCADA, Tags: []domain.TagMapping{
		{Name: "alarm_active", Address: "Line1/Alarm"},
		{Name: "mode", Address: "Line1/Mode"},
	}}, Config{BaseURL: srv.URL, DataEndpoint: "/api/data/read", Area: "Area-3"}, srv.Client())
	require.NoError(t, err)

	r, err := a.ReadData(context.Background(), "EDGE-1")
	require.NoError(t, err)
	assert.Equal(t, true, r.Values["alarm_active"])
	assert.Equal(t, "AUTO", r.Values["mode"])
}

func TestHistorianSummaryFlattensStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "summary", body["aggregation"])
		_, _ = w.Write([]byte(`{"temperature":{"Average":81.5,"Minimum":70,"Maximum":95,"Count":60}}`))
	}))
	defer srv.Close()

	a, err := New(domain.AdapterInfo{Name: "hist", Kind: domain.KindHistorian},
		Config{BaseURL: srv.URL, DataEndpoint: "/q", Window: 30 * time.Minute}, srv.Client())
	require.NoError(t, err)

	r, err := a.ReadData(context.Background(), "EDGE-1")
	require.NoError(t, err)
	assert.Equal(t, 81.5, r.Values["temperature_avg"])
	assert.Equal(t, 95.0, r.Values["temperature_max"])
	assert.Equal(t, 30.0, r.Values["time_window_minutes"])
}

func TestReadNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	a, err := New(domain.AdapterInfo{Name: "mes", Kind: domain.KindMES}, Config{BaseURL: srv.URL, DataEndpoint: "/x"}, srv.Client())
	require.NoError(t, err)
	_, err = a.ReadData(context.Background(), "EDGE-1")
	assert.Error(t, err)
}

func TestWriteRegister(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"result":"done"}`))
	}))
	defer srv.Close()

	tag := domain.TagMapping{Name: "sp", Address: "Line1/SP", Writable: true}

	noWrite, err := New(domain.AdapterInfo{Name: "mes", Kind: domain.KindMES}, Config{BaseURL: srv.URL, DataEndpoint: "/x"}, srv.Client())
	require.NoError(t, err)
	_, err = noWrite.WriteRegister(context.Background(), tag, 1)
	assert.ErrorIs(t, err, ports.ErrWriteUnsupported)

	a, err := New(domain.AdapterInfo{Name: "scada", Kind: domain.KindSCADA}, Config{Vendor: "wincc", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	resp, err := a.WriteRegister(context.Background(), tag, 180)
	require.NoError(t, err)
	assert.Contains(t, resp, "done")

	status = http.StatusUnprocessableEntity
	_, err = a.WriteRegister(context.Background(), tag, 180)
	assert.ErrorIs(t, err, ports.ErrControllerRejected)

	status = http.StatusInternalServerError
	_, err = a.WriteRegister(context.Background(), tag, 180)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ports.ErrControllerRejected))
}

func TestUnknownVendor(t *testing.T) {
	_, err := New(domain.AdapterInfo{Name: "m", Kind: domain.KindMES}, Config{Vendor: "acme", BaseURL: "http://h"}, nil)
	assert.Error(t, err)
}
