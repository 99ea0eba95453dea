package ratelimit

import (
	"testing"
	"time"
)

func TestCooldownState_Active(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		state    *CooldownState
		expected bool
	}{
		{
			name:     "zero state is inactive",
			state:    &CooldownState{},
			expected: false,
		},
		{
			name: "future cooldown is active",
			state: &CooldownState{
				CooldownUntil: now.Add(30 * time.Second),
			},
			expected: true,
		},
		{
			name: "expired cooldown is inactive",
			state: &CooldownState{
				CooldownUntil: now.Add(-1 * time.Second),
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.state.Active(now)
			if result != tt.expected {
				t.Errorf("Active() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestCooldownState_Remaining(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		state    *CooldownState
		expected time.Duration
	}{
		{
			name: "active cooldown",
			state: &CooldownState{
				CooldownUntil: now.Add(45 * time.Second),
			},
			expected: 45 * time.Second,
		},
		{
			name: "expired cooldown clamps to zero",
			state: &CooldownState{
				CooldownUntil: now.Add(-10 * time.Second),
			},
			expected: 0,
		},
		{
			name:     "zero state",
			state:    &CooldownState{},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.state.Remaining(now)
			if result != tt.expected {
				t.Errorf("Remaining() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestCooldownState_IsStale(t *testing.T) {
	tests := []struct {
		name     string
		state    *CooldownState
		maxAge   time.Duration
		expected bool
	}{
		{
			name: "fresh state",
			state: &CooldownState{
				LastUpdate: time.Now(),
			},
			maxAge:   5 * time.Minute,
			expected: false,
		},
		{
			name: "stale state",
			state: &CooldownState{
				LastUpdate: time.Now().Add(-10 * time.Minute),
			},
			maxAge:   5 * time.Minute,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.state.IsStale(tt.maxAge)
			if result != tt.expected {
				t.Errorf("IsStale() = %v, want %v", result, tt.expected)
			}
		})
	}
}
