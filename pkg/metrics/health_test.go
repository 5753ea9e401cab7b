package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freshBoard swaps the package board for a clean one driven by a fixed clock
func freshBoard(t *testing.T) *time.Time {
	t.Helper()
	prev := components
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newBoard()
	b.started = clock
	b.now = func() time.Time { return clock }
	components = b
	t.Cleanup(func() { components = prev })
	return &clock
}

type report struct {
	name    string
	healthy bool
	msg     string
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		reports    []report
		wantStatus string
		wantMsg    string
	}{
		{
			name:       "no components",
			wantStatus: StatusHealthy,
		},
		{
			name: "all up",
			reports: []report{
				{"store", true, ""},
				{"queue", true, ""},
				{"ledger", true, ""},
			},
			wantStatus: StatusHealthy,
		},
		{
			name: "non critical down degrades",
			reports: []report{
				{"store", true, ""},
				{"collector", false, "scrape failed"},
			},
			wantStatus: StatusDegraded,
			wantMsg:    "collector is down",
		},
		{
			name: "critical down is unhealthy",
			reports: []report{
				{"ledger", false, "connection refused"},
				{"queue", true, ""},
			},
			wantStatus: StatusUnhealthy,
			wantMsg:    "ledger is down",
		},
		{
			name: "critical wins over degraded",
			reports: []report{
				{"collector", false, "scrape failed"},
				{"store", false, "disk full"},
			},
			wantStatus: StatusUnhealthy,
			wantMsg:    "store is down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			freshBoard(t)
			for _, r := range tt.reports {
				RegisterComponent(r.name, r.healthy, r.msg)
			}

			hs := GetHealth()
			assert.Equal(t, tt.wantStatus, hs.Status)
			assert.Equal(t, tt.wantMsg, hs.Message)
			assert.Len(t, hs.Components, len(tt.reports))
			for _, r := range tt.reports {
				if r.healthy {
					assert.Equal(t, StatusHealthy, hs.Components[r.name])
				} else {
					assert.Equal(t, "unhealthy: "+r.msg, hs.Components[r.name])
				}
			}
		})
	}
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		critical   []string
		reports    []report
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "nothing registered",
			wantStatus: StatusNotReady,
			wantChecks: map[string]string{
				"store":  "not registered",
				"queue":  "not registered",
				"ledger": "not registered",
			},
		},
		{
			name: "all critical up",
			reports: []report{
				{"store", true, ""},
				{"queue", true, ""},
				{"ledger", true, ""},
				{"collector", false, "ignored"},
			},
			wantStatus: StatusReady,
			wantChecks: map[string]string{
				"store":  StatusReady,
				"queue":  StatusReady,
				"ledger": StatusReady,
			},
		},
		{
			name: "ledger down",
			reports: []report{
				{"store", true, ""},
				{"queue", true, ""},
				{"ledger", false, "timeout"},
			},
			wantStatus: StatusNotReady,
			wantChecks: map[string]string{
				"store":  StatusReady,
				"queue":  StatusReady,
				"ledger": "not ready: timeout",
			},
		},
		{
			name:       "custom critical set",
			critical:   []string{"store"},
			reports:    []report{{"store", true, ""}},
			wantStatus: StatusReady,
			wantChecks: map[string]string{"store": StatusReady},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			freshBoard(t)
			if tt.critical != nil {
				SetCriticalComponents(tt.critical...)
			}
			for _, r := range tt.reports {
				RegisterComponent(r.name, r.healthy, r.msg)
			}

			hs := GetReadiness()
			assert.Equal(t, tt.wantStatus, hs.Status)
			assert.Equal(t, tt.wantChecks, hs.Components)
			if tt.wantStatus == StatusReady {
				assert.Empty(t, hs.Message)
			} else {
				assert.NotEmpty(t, hs.Message)
			}
		})
	}
}

func TestUpdateComponentTracksTransitions(t *testing.T) {
	clock := freshBoard(t)

	RegisterComponent("ledger", true, "")
	first := Components()[0].Since

	*clock = clock.Add(time.Minute)
	UpdateComponent("ledger", true, "still fine")
	got := Components()[0]
	assert.Equal(t, 0, got.Transitions)
	assert.Equal(t, first, got.Since)
	assert.Equal(t, "still fine", got.Message)
	assert.Equal(t, 1.0, gaugeValue(ComponentUp.WithLabelValues("ledger")))

	*clock = clock.Add(time.Minute)
	UpdateComponent("ledger", false, "connection refused")
	got = Components()[0]
	assert.Equal(t, 1, got.Transitions)
	assert.False(t, got.Healthy)
	assert.Equal(t, first.Add(2*time.Minute), got.Since)
	assert.Equal(t, 0.0, gaugeValue(ComponentUp.WithLabelValues("ledger")))

	UpdateComponent("ledger", true, "")
	assert.Equal(t, 2, Components()[0].Transitions)
}

func TestComponentsSortedByName(t *testing.T) {
	freshBoard(t)
	for _, name := range []string{"queue", "ledger", "store", "collector"} {
		RegisterComponent(name, true, "")
	}

	var names []string
	for _, c := range Components() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"collector", "ledger", "queue", "store"}, names)
}

func TestVersionAndUptime(t *testing.T) {
	clock := freshBoard(t)
	SetVersion("v0.4.1")
	*clock = clock.Add(90 * time.Second)

	hs := GetHealth()
	assert.Equal(t, "v0.4.1", hs.Version)
	assert.Equal(t, "1m30s", hs.Uptime)
	assert.Equal(t, *clock, hs.Timestamp)
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name     string
		reports  []report
		wantCode int
	}{
		{"healthy", []report{{"store", true, ""}}, http.StatusOK},
		{"degraded still serves", []report{{"collector", false, "x"}}, http.StatusOK},
		{"unhealthy", []report{{"queue", false, "closed"}}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			freshBoard(t)
			for _, r := range tt.reports {
				RegisterComponent(r.name, r.healthy, r.msg)
			}

			rec := httptest.NewRecorder()
			HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/components", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Len(t, body.Details, len(tt.reports))
			assert.Equal(t, tt.reports[0].name, body.Details[0].Name)
		})
	}
}

func TestBoardConcurrentReports(t *testing.T) {
	freshBoard(t)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				UpdateComponent("queue", (i+j)%2 == 0, "")
				_ = GetHealth()
				_ = GetReadiness()
			}
		}()
	}
	wg.Wait()

	require.Len(t, Components(), 1)
	assert.Equal(t, "queue", Components()[0].Name)
}
