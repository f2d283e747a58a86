package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"incasso.org/internal/domain"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/batches/bat_01HX":          "/v1/batches/:id",
		"/v1/batches/bat_01HX/extra":    "/v1/batches/bat_01HX/extra",
		"/v1/mandates/mdt_1/revoke":     "/v1/mandates/:id/revoke",
		"/v1/mandates/mdt_1":            "/v1/mandates/mdt_1",
		"/v1/preview?as_of=2024-03-19":  "/v1/preview",
		"/v1/runs":                      "/v1/runs",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestIssuesReportedCountsBySeverity(t *testing.T) {
	before := testutil.ToFloat64(issuesTotal.WithLabelValues(string(domain.KindCoverageGap), string(domain.Advisory)))
	var r domain.Report
	r.Add(domain.Issue{Kind: domain.KindCoverageGap, Severity: domain.Advisory})
	r.Add(domain.Issue{Kind: domain.KindCoverageGap, Severity: domain.Advisory})
	IssuesReported(r)
	after := testutil.ToFloat64(issuesTotal.WithLabelValues(string(domain.KindCoverageGap), string(domain.Advisory)))
	if after-before != 2 {
		t.Fatalf("expected 2 new advisory coverage gaps, got %v", after-before)
	}
}

func TestInstrumentRecordsStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "/v1/runs", "202"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/runs", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "/v1/runs", "202"))
	if after-before != 1 {
		t.Fatalf("expected one request counted, got %v", after-before)
	}
}
