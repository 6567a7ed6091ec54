package firecracker

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	expected := []string{
		"coderun_firecracker_vm_boot_seconds",
		"coderun_firecracker_active_vms",
		"coderun_firecracker_guest_run_seconds",
		"coderun_firecracker_vm_cleanup_seconds",
		"coderun_firecracker_runs_total",
	}

	found := make(map[string]bool)
	for _, fam := range families {
		found[fam.GetName()] = true
	}

	for _, name := range expected {
		if !found[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRunsTotalPreinitialized(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var runs *dto.MetricFamily
	for _, fam := range families {
		if fam.GetName() == "coderun_firecracker_runs_total" {
			runs = fam
			break
		}
	}
	if runs == nil {
		t.Fatal("runs_total metric family not found")
	}

	// Three languages by three outcomes.
	if len(runs.GetMetric()) < 9 {
		t.Errorf("expected at least 9 metric series, got %d", len(runs.GetMetric()))
	}
}

func TestActiveVMsGauge(t *testing.T) {
	// Reset gauge to known state.
	activeVMs.Set(0)

	activeVMs.Inc()
	activeVMs.Inc()
	activeVMs.Dec()

	val := getGaugeValue(t, "coderun_firecracker_active_vms")
	if val != 1 {
		t.Errorf("activeVMs gauge = %f, want 1", val)
	}

	// Reset.
	activeVMs.Set(0)
}

func TestBootDurationObserved(t *testing.T) {
	vmBootDuration.Observe(0.125)

	count := getHistogramCount(t, "coderun_firecracker_vm_boot_seconds")
	if count == 0 {
		t.Error("vmBootDuration has no observations")
	}
}

func TestCleanupDurationObserved(t *testing.T) {
	vmCleanupDuration.Observe(0.050)

	count := getHistogramCount(t, "coderun_firecracker_vm_cleanup_seconds")
	if count == 0 {
		t.Error("vmCleanupDuration has no observations")
	}
}

func TestGuestRunDurationObserved(t *testing.T) {
	guestRunDuration.Observe(0.010)

	count := getHistogramCount(t, "coderun_firecracker_guest_run_seconds")
	if count == 0 {
		t.Error("guestRunDuration has no observations")
	}
}

func getGaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == name {
			metrics := fam.GetMetric()
			if len(metrics) > 0 && metrics[0].GetGauge() != nil {
				return metrics[0].GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("gauge %q not found", name)
	return 0
}

func getHistogramCount(t *testing.T, name string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == name {
			metrics := fam.GetMetric()
			if len(metrics) > 0 && metrics[0].GetHistogram() != nil {
				return metrics[0].GetHistogram().GetSampleCount()
			}
		}
	}
	t.Fatalf("histogram %q not found", name)
	return 0
}
