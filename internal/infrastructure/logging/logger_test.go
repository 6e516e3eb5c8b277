package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"development", DevelopmentConfig(), false},
		{"empty level", Config{}, false},
		{"bad level", Config{Level: "loud"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger.Logger)
		})
	}
}

func TestSessionFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := &Logger{Logger: zap.New(core)}

	logger.Session("sess_1").Info("Session suspended",
		append(Transition("active", "suspended", time.Second), Op("suspend"))...)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "sess_1", fields["session_id"])
	assert.Equal(t, "suspend", fields["op"])
	assert.Equal(t, "active", fields["from"])
	assert.Equal(t, "suspended", fields["to"])
}

func TestFallbacks(t *testing.T) {
	assert.NotNil(t, NewDefault())
	assert.NotNil(t, NewDevelopment())
}
