package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		topic   string
		want    bool
	}{
		{"exact", "deploy.finished", "deploy.finished", true},
		{"exact mismatch", "deploy.finished", "deploy.started", false},
		{"single segment wildcard", "alerts.*", "alerts.high_cpu", true},
		{"wildcard does not span segments", "alerts.*", "alerts.cpu.high", false},
		{"wildcard mid pattern", "orders.*.created", "orders.eu.created", true},
		{"wildcard mid pattern mismatch", "orders.*.created", "orders.eu.cancelled", false},
		{"multiple wildcards", "*.*.done", "batch.export.done", true},
		{"segment count must match", "a.*", "a", false},
		{"bare wildcard matches single segment", "*", "anything", true},
		{"bare wildcard not multi segment", "*", "a.b", false},
		{"empty pattern only matches empty topic", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicMatches(tt.pattern, tt.topic))
		})
	}
}
