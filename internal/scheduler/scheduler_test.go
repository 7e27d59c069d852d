package scheduler

import (
	"testing"
	"time"
)

func minuteOf(minute, second int) time.Time {
	return time.Date(2026, 8, 30, 12, minute, second, 0, time.UTC)
}

func TestBroadcastGateFiresOncePerMinute(t *testing.T) {
	gate := NewBroadcastGate(59, 0, 1)

	collects := 0
	for sec := 0; sec < 60; sec++ {
		if gate.Tick(minuteOf(59, sec)) == Collect {
			collects++
		}
	}
	if collects != 1 {
		t.Fatalf("采集在同一分钟内应恰好触发一次, got %d", collects)
	}

	alerts := 0
	for sec := 0; sec < 60; sec++ {
		if gate.Tick(minuteOf(0, sec)) == Alert {
			alerts++
		}
	}
	if alerts != 1 {
		t.Fatalf("告警在同一分钟内应恰好触发一次, got %d", alerts)
	}
}

func TestBroadcastGateLatchesUntilReset(t *testing.T) {
	gate := NewBroadcastGate(59, 0, 1)

	if gate.Tick(minuteOf(59, 0)) != Collect {
		t.Fatal("minute 59 should request collection")
	}
	// Without passing the reset minute, minute 59 again stays quiet.
	if gate.Tick(minuteOf(59, 30)) != None {
		t.Fatal("latched gate must not fire twice")
	}
	if gate.Tick(minuteOf(0, 0)) != Alert {
		t.Fatal("minute 0 should request the alert")
	}

	gate.Tick(minuteOf(1, 0))

	if gate.Tick(minuteOf(59, 0)) != Collect {
		t.Fatal("after the reset minute the gate must fire again")
	}
	if gate.Tick(minuteOf(0, 0)) != Alert {
		t.Fatal("after the reset minute the alert must fire again")
	}
}

func TestIntervalGateRearmsAfterModuloTurnsFalse(t *testing.T) {
	gate := NewIntervalGate(30)

	fired := 0
	for sec := 0; sec < 60; sec++ {
		if gate.Tick(minuteOf(30, sec)) {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("同一个边界分钟只应触发一次, got %d", fired)
	}

	// Still inside the qualifying minute: no re-arm.
	if gate.Tick(minuteOf(30, 59)) {
		t.Fatal("gate must stay latched inside the qualifying minute")
	}

	// A non-qualifying minute re-arms the gate.
	if gate.Tick(minuteOf(31, 0)) {
		t.Fatal("minute 31 does not qualify for interval 30")
	}
	if !gate.Tick(minuteOf(0, 0)) {
		t.Fatal("next boundary must fire after re-arming")
	}
}

func TestIntervalGateDefaultsToHourly(t *testing.T) {
	gate := NewIntervalGate(0)
	if gate.Interval() != 60 {
		t.Fatalf("non-positive interval should fall back to 60, got %d", gate.Interval())
	}

	gate.SetInterval(-5)
	if gate.Interval() != 60 {
		t.Fatalf("negative interval should fall back to 60, got %d", gate.Interval())
	}
}
