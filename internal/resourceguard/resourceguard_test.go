package resourceguard

import (
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestGoroutineLimiterAcquireReleaseRespectsMax(t *testing.T) {
	gl := NewGoroutineLimiter(2)

	if !gl.Acquire() || !gl.Acquire() {
		t.Fatal("first two acquires within max should succeed")
	}
	if gl.Acquire() {
		t.Fatal("a third acquire beyond max should fail")
	}
	if gl.Current() != 2 {
		t.Fatalf("expected current == 2, got %d", gl.Current())
	}

	gl.Release()
	if !gl.Acquire() {
		t.Fatal("acquiring after a release should succeed")
	}
}

func TestGuardAcquireGoroutineRespectsMaxGoroutines(t *testing.T) {
	g := New(zerolog.Nop(), 75, 80, 1)

	if !g.AcquireGoroutine() {
		t.Fatal("first goroutine slot should be available")
	}
	if g.AcquireGoroutine() {
		t.Fatal("a second goroutine beyond maxGoroutines should be rejected")
	}
	g.ReleaseGoroutine()
	if !g.AcquireGoroutine() {
		t.Fatal("releasing a slot should free it for a subsequent acquire")
	}
}

func TestShouldPauseUpstreamTracksCPUSample(t *testing.T) {
	g := New(zerolog.Nop(), 90, 50, 1000)
	if g.ShouldPauseUpstream() {
		t.Fatal("a fresh guard with currentCPU 0 should not request a pause")
	}

	g.currentCPU.Store(75.0)
	if !g.ShouldPauseUpstream() {
		t.Fatal("CPU above the pause threshold should request a pause")
	}
}

func TestHealthHandlerReports503WhenRejecting(t *testing.T) {
	g := New(zerolog.Nop(), 10, 5, 1000)
	g.currentCPU.Store(50.0) // above cpuRejectThreshold of 10

	rec := httptest.NewRecorder()
	g.HealthHandler()(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != 503 {
		t.Fatalf("expected 503 when the guard is rejecting connections, got %d", rec.Code)
	}
}

func TestHealthHandlerReports200WhenHealthy(t *testing.T) {
	g := New(zerolog.Nop(), 90, 80, 1000)

	rec := httptest.NewRecorder()
	g.HealthHandler()(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != 200 {
		t.Fatalf("expected 200 when the guard is healthy, got %d", rec.Code)
	}
}
