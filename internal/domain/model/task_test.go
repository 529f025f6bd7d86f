package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleKind(t *testing.T) {
	for _, kind := range []ScheduleKind{ScheduleKindCron, ScheduleKindRRule, ScheduleKindOnce, ScheduleKindEvent} {
		assert.True(t, kind.Valid(), "kind %q should be valid", kind)
	}
	assert.False(t, ScheduleKind("condition").Valid())
	assert.False(t, ScheduleKind("").Valid())

	assert.True(t, ScheduleKindCron.Temporal())
	assert.True(t, ScheduleKindOnce.Temporal())
	assert.False(t, ScheduleKindEvent.Temporal())
}

func TestBackoffDelay(t *testing.T) {
	policy := Backoff{BaseSeconds: 30, MaxSeconds: 600}

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first retry", 1, 30 * time.Second},
		{"second doubles", 2, 60 * time.Second},
		{"third doubles again", 3, 120 * time.Second},
		{"capped at max", 10, 600 * time.Second},
		{"attempt below one clamps to one", 0, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Delay(tt.attempt, nil))
		})
	}
}

func TestBackoffDelayJitter(t *testing.T) {
	policy := Backoff{BaseSeconds: 30, MaxSeconds: 600, Jitter: true}

	// The jitter factor maps rand01 output r to 0.5 + 0.5*r.
	assert.Equal(t, 15*time.Second, policy.Delay(1, func() float64 { return 0 }))
	assert.Equal(t, 30*time.Second, policy.Delay(1, func() float64 { return 1 }))

	// Every draw stays inside [half, full].
	draws := []float64{0.1, 0.25, 0.5, 0.75, 0.99}
	for _, r := range draws {
		d := policy.Delay(3, func() float64 { return r })
		assert.GreaterOrEqual(t, d, 60*time.Second)
		assert.LessOrEqual(t, d, 120*time.Second)
	}

	// A nil random source disables jitter even when the policy asks for it.
	assert.Equal(t, 30*time.Second, policy.Delay(1, nil))
}

func TestBackoffValidate(t *testing.T) {
	assert.NoError(t, DefaultBackoff().Validate())
	assert.Error(t, Backoff{BaseSeconds: 0, MaxSeconds: 10}.Validate())
	assert.Error(t, Backoff{BaseSeconds: 60, MaxSeconds: 30}.Validate())
}

func TestTaskPayloadValidate(t *testing.T) {
	valid := TaskPayload{
		Params: map[string]any{"city": "Berlin"},
		Pipeline: []PipelineStep{
			{ID: "fetch", Uses: "weather-mcp.forecast", SaveAs: "weather"},
			{ID: "notify", Uses: "telegram.send", If: "steps.weather.temp > `25`"},
		},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		payload TaskPayload
		wantMsg string
	}{
		{"empty pipeline", TaskPayload{}, "at least one step"},
		{
			"missing step id",
			TaskPayload{Pipeline: []PipelineStep{{Uses: "x.y"}}},
			"id is required",
		},
		{
			"duplicate step id",
			TaskPayload{Pipeline: []PipelineStep{
				{ID: "a", Uses: "x.y"},
				{ID: "a", Uses: "x.z"},
			}},
			"duplicate id",
		},
		{
			"missing uses",
			TaskPayload{Pipeline: []PipelineStep{{ID: "a"}}},
			"uses is required",
		},
		{
			"negative timeout",
			TaskPayload{Pipeline: []PipelineStep{{ID: "a", Uses: "x.y", TimeoutSeconds: -1}}},
			"timeout_seconds",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func validCreateTaskRequest() *CreateTaskRequest {
	payload, _ := json.Marshal(TaskPayload{
		Pipeline: []PipelineStep{{ID: "fetch", Uses: "weather-mcp.forecast"}},
	})
	return &CreateTaskRequest{
		Title:        "Morning briefing",
		ScheduleKind: ScheduleKindCron,
		ScheduleExpr: "30 8 * * 1-5",
		Timezone:     "Europe/Chisinau",
		Priority:     5,
		Payload:      payload,
		CreatedBy:    "a7a6f5e4-0000-0000-0000-000000000001",
	}
}

func TestCreateTaskRequestValidate(t *testing.T) {
	require.NoError(t, validCreateTaskRequest().Validate())

	tests := []struct {
		name   string
		mutate func(*CreateTaskRequest)
	}{
		{"blank title", func(r *CreateTaskRequest) { r.Title = "  " }},
		{"unknown kind", func(r *CreateTaskRequest) { r.ScheduleKind = "condition" }},
		{"blank expr", func(r *CreateTaskRequest) { r.ScheduleExpr = "" }},
		{"blank timezone", func(r *CreateTaskRequest) { r.Timezone = "" }},
		{"priority too high", func(r *CreateTaskRequest) { r.Priority = 10 }},
		{"negative priority", func(r *CreateTaskRequest) { r.Priority = -1 }},
		{"negative max retries", func(r *CreateTaskRequest) { r.MaxRetries = -1 }},
		{"bad backoff", func(r *CreateTaskRequest) { r.Backoff = &Backoff{BaseSeconds: -1} }},
		{"blank concurrency key", func(r *CreateTaskRequest) { k := " "; r.ConcurrencyKey = &k }},
		{"blank created_by", func(r *CreateTaskRequest) { r.CreatedBy = "" }},
		{"malformed payload", func(r *CreateTaskRequest) { r.Payload = json.RawMessage(`{`) }},
		{"empty pipeline", func(r *CreateTaskRequest) { r.Payload = json.RawMessage(`{"pipeline":[]}`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validCreateTaskRequest()
			tt.mutate(req)
			assert.Error(t, req.Validate())
		})
	}
}

func TestTaskDecodePayload(t *testing.T) {
	task := &Task{Payload: json.RawMessage(`{"params":{"city":"Berlin"},"pipeline":[{"id":"a","uses":"x.y"}]}`)}
	payload, err := task.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, "Berlin", payload.Params["city"])
	require.Len(t, payload.Pipeline, 1)
	assert.Equal(t, "x.y", payload.Pipeline[0].Uses)

	task.Payload = json.RawMessage(`not json`)
	_, err = task.DecodePayload()
	assert.Error(t, err)
}
