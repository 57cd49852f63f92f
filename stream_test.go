package ultrafast

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastReconnectPolicy(auto bool, maxAttempts int) ReconnectPolicy {
	return ReconnectPolicy{
		AutoReconnect: auto,
		MaxAttempts:   maxAttempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestControllerCleanCloseEndsDisconnected(t *testing.T) {
	controller := NewStreamController(fastReconnectPolicy(true, 3), "sse", nil, nil)

	err := controller.Run(context.Background(), func(context.Context) error {
		controller.MarkConnected()
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v, want nil on clean close", err)
	}
	if controller.State() != StreamDisconnected {
		t.Errorf("state = %v, want Disconnected", controller.State())
	}
}

func TestControllerNoReconnectWhenDisabled(t *testing.T) {
	controller := NewStreamController(fastReconnectPolicy(false, 10), "websocket", nil, nil)

	var transitions []StreamState
	controller.OnStateChange(func(s StreamState) {
		transitions = append(transitions, s)
	})

	connects := 0
	err := controller.Run(context.Background(), func(context.Context) error {
		connects++
		controller.MarkConnected()
		return errors.New("connection dropped")
	})
	if err == nil {
		t.Fatal("Run() should report the interruption")
	}
	if connects != 1 {
		t.Errorf("connect ran %d times, want exactly 1", connects)
	}
	if controller.State() != StreamDisconnectedFinal {
		t.Errorf("state = %v, want DisconnectedFinal", controller.State())
	}

	sawInterrupted := false
	for _, s := range transitions {
		if s == StreamReconnecting {
			t.Fatal("Reconnecting observed with reconnection disabled")
		}
		if s == StreamInterrupted {
			sawInterrupted = true
		}
	}
	if !sawInterrupted {
		t.Error("Interrupted state never observed")
	}

	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeStream {
		t.Errorf("err = %v, want a StreamError", err)
	}
}

func TestControllerExhaustsReconnectBudget(t *testing.T) {
	controller := NewStreamController(fastReconnectPolicy(true, 2), "sse", nil, nil)

	connects := 0
	err := controller.Run(context.Background(), func(context.Context) error {
		connects++
		return errors.New("refused")
	})
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("err = %v, want ErrReconnectExhausted", err)
	}
	// Initial connect plus MaxAttempts reconnects.
	if connects != 3 {
		t.Errorf("connect ran %d times, want 3", connects)
	}
	if controller.State() != StreamDisconnectedFinal {
		t.Errorf("state = %v, want DisconnectedFinal", controller.State())
	}
}

func TestControllerResetsBudgetOnSuccessfulConnect(t *testing.T) {
	controller := NewStreamController(fastReconnectPolicy(true, 2), "websocket", nil, nil)

	// Every connect succeeds before dropping, so the budget resets each time
	// and the session outlives MaxAttempts total interruptions.
	connects := 0
	err := controller.Run(context.Background(), func(context.Context) error {
		connects++
		controller.MarkConnected()
		if connects < 5 {
			return errors.New("dropped")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if connects != 5 {
		t.Errorf("connect ran %d times, want 5", connects)
	}
}

func TestControllerStopsOnContextCancel(t *testing.T) {
	controller := NewStreamController(fastReconnectPolicy(true, 100), "sse", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	connects := 0
	err := controller.Run(ctx, func(context.Context) error {
		connects++
		if connects == 2 {
			cancel()
		}
		return errors.New("dropped")
	})
	if err == nil {
		t.Fatal("Run() should fail once the context is canceled")
	}
	if controller.State() != StreamDisconnectedFinal {
		t.Errorf("state = %v, want DisconnectedFinal", controller.State())
	}
}

func TestControllerStateTransitionsOnReconnect(t *testing.T) {
	controller := NewStreamController(fastReconnectPolicy(true, 1), "sse", nil, nil)

	var transitions []StreamState
	controller.OnStateChange(func(s StreamState) {
		transitions = append(transitions, s)
	})

	connects := 0
	err := controller.Run(context.Background(), func(context.Context) error {
		connects++
		controller.MarkConnected()
		if connects == 1 {
			return errors.New("dropped")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []StreamState{
		StreamConnecting, StreamConnected, StreamInterrupted, StreamReconnecting,
		StreamConnecting, StreamConnected, StreamDisconnected,
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestStreamStateString(t *testing.T) {
	tests := []struct {
		state StreamState
		want  string
	}{
		{StreamDisconnected, "Disconnected"},
		{StreamConnecting, "Connecting"},
		{StreamConnected, "Connected"},
		{StreamInterrupted, "Interrupted"},
		{StreamReconnecting, "Reconnecting"},
		{StreamDisconnectedFinal, "DisconnectedFinal"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
