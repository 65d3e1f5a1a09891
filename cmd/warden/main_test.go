package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/HerbHall/warden/internal/auth"
)

func TestLogNotifier(t *testing.T) {
	notice := auth.ResetNotice{
		IdentityID: "u1",
		Username:   "jdoe",
		Token:      "reset-token-value",
		Code:       "123456",
		ExpiresAt:  time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC),
	}

	tests := []struct {
		name      string
		reveal    bool
		wantToken bool
	}{
		{name: "default keeps token out of the log"},
		{name: "development delivery", reveal: true, wantToken: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, logs := observer.New(zapcore.DebugLevel)
			n := logNotifier(zap.New(obs), tt.reveal)
			require.NoError(t, n.SendReset(context.Background(), notice))

			var token, code any
			for _, e := range logs.All() {
				if v, ok := e.ContextMap()["token"]; ok {
					token = v
					code = e.ContextMap()["code"]
					assert.Equal(t, zapcore.DebugLevel, e.Level)
				}
			}
			if !tt.wantToken {
				assert.Nil(t, token)
				assert.Equal(t, 1, logs.FilterMessage("password reset initiated").Len())
				assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
				return
			}
			assert.Equal(t, "reset-token-value", token)
			assert.Equal(t, "123456", code)
			assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
		})
	}
}
