package lisapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_GetRejectionOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/orders/ord-1/tests/GLU/rejection-options", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "north", r.Header.Get("X-Lab-Site"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"availableActions": [
				{"action":"retest_same_sample","enabled":true,"disabledReason":null},
				{"action":"recollect_new_sample","enabled":false,"disabledReason":"Limit reached"}
			],
			"retestAttemptsRemaining": 2,
			"recollectionAttemptsRemaining": 0,
			"escalationRequired": false
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", WithToken("tok"), WithSite("north"))
	opts, err := c.GetRejectionOptions(context.Background(), "ord-1", "GLU")
	require.NoError(t, err)
	require.Len(t, opts.AvailableActions, 2)
	assert.Equal(t, 2, opts.RetestAttemptsRemaining)
	assert.False(t, opts.EscalationRequired)

	recollect := opts.Find(ActionRecollectNewSample)
	require.NotNil(t, recollect)
	require.NotNil(t, recollect.DisabledReason)
	assert.Equal(t, "Limit reached", *recollect.DisabledReason)
	assert.Nil(t, opts.Find(ActionRetestSameSample).DisabledReason)
}

func TestClient_RejectResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body RejectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, RejectionTypeRetest, body.RejectionType)
		assert.Equal(t, "Hemolyzed sample", body.RejectionReason)
		_, _ = w.Write([]byte(`{"action":"retest_same_sample","message":"Retest created","newTestId":"T-1002"}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL).RejectResults(context.Background(), "ord-1", "GLU", RejectRequest{
		RejectionReason: "Hemolyzed sample",
		RejectionType:   RejectionTypeRetest,
	})
	require.NoError(t, err)
	assert.Equal(t, "retest_same_sample", res.Action)
	require.NotNil(t, res.NewTestID)
	assert.Equal(t, "T-1002", *res.NewTestID)
}

func TestClient_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"action retest_same_sample is disabled: Retest limit reached"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).RejectResults(context.Background(), "ord-1", "GLU", RejectRequest{
		RejectionReason: "x",
		RejectionType:   RejectionTypeRetest,
	})
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusConflict))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "Retest limit reached")
}

func TestClient_PlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetRejectionOptions(context.Background(), "o", "t")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Message)
}

func TestClient_RejectSample(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/samples/s-9/reject", r.URL.Path)
		var body SampleRejectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.RequireRecollection)
		assert.Len(t, body.Reasons, 1)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL).RejectSample(context.Background(), "s-9",
		[]RejectionReason{{Code: "CLOT", Label: "Clotted"}}, "tube clotted", true)
	require.NoError(t, err)
}

func TestClient_GetRejectionHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"data":[{"rejectionType":"re-test","rejectionReason":"Hemolyzed","rejectedBy":"u1","rejectedAt":"2026-01-02T10:00:00Z"}],"total":1,"limit":5,"offset":0,"has_more":false}`))
	}))
	defer srv.Close()

	page, err := NewClient(srv.URL).GetRejectionHistory(context.Background(), "o", "t", 5, 0)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, RejectionTypeRetest, page.Data[0].RejectionType)
}

func TestClient_EscalateTest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orders/ord-1/tests/GLU/escalate", r.URL.Path)
		var body EscalateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "paged supervisor", body.Note)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"escalation not required"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).EscalateTest(context.Background(), "ord-1", "GLU", "paged supervisor")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusConflict))
}

func TestRejectionType_Action(t *testing.T) {
	a, ok := RejectionTypeRecollect.Action()
	assert.True(t, ok)
	assert.Equal(t, ActionRecollectNewSample, a)

	_, ok = RejectionType("discard").Action()
	assert.False(t, ok)

	rt, ok := ActionRetestSameSample.RejectionType()
	assert.True(t, ok)
	assert.Equal(t, RejectionTypeRetest, rt)
}

func TestRejectionOptions_CloneIsDeep(t *testing.T) {
	reason := "Limit reached"
	o := &RejectionOptions{AvailableActions: []ActionOption{{Action: ActionRecollectNewSample, DisabledReason: &reason}}}
	cp := o.Clone()
	*cp.AvailableActions[0].DisabledReason = "changed"
	cp.AvailableActions[0].Enabled = true
	assert.Equal(t, "Limit reached", *o.AvailableActions[0].DisabledReason)
	assert.False(t, o.AvailableActions[0].Enabled)
	assert.Nil(t, (*RejectionOptions)(nil).Clone())
}

func TestRejectionHistoryRecord_RejectedTime(t *testing.T) {
	_, err := RejectionHistoryRecord{RejectedAt: "2026-03-01T08:30:00.123Z"}.RejectedTime()
	assert.NoError(t, err)
	_, err = RejectionHistoryRecord{RejectedAt: "2026-03-01"}.RejectedTime()
	assert.NoError(t, err)
	_, err = RejectionHistoryRecord{RejectedAt: "yesterday"}.RejectedTime()
	assert.Error(t, err)
}
