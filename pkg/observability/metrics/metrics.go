package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	checksTotal        atomic.Int64
	checksFailed       atomic.Int64
	findingsEmitted    atomic.Int64
	mlSkipped          atomic.Int64
	alertsRaised       atomic.Int64
	overridesRecorded  atomic.Int64
	incidentsOpened    atomic.Int64
	batchesCompleted   atomic.Int64
	batchPatientsTotal atomic.Int64
	batchPatientsFail  atomic.Int64
	normalizerMisses   atomic.Int64
)

// ObserveCheck records one orchestration run.
func ObserveCheck(failed bool, findings int, mlWasSkipped bool, unrecognized int) {
	checksTotal.Add(1)
	if failed {
		checksFailed.Add(1)
	}
	findingsEmitted.Add(int64(findings))
	if mlWasSkipped {
		mlSkipped.Add(1)
	}
	normalizerMisses.Add(int64(unrecognized))
}

func ObserveAlert()    { alertsRaised.Add(1) }
func ObserveOverride() { overridesRecorded.Add(1) }
func ObserveIncident() { incidentsOpened.Add(1) }

func ObserveBatch(total, failed int) {
	batchesCompleted.Add(1)
	batchPatientsTotal.Add(int64(total))
	batchPatientsFail.Add(int64(failed))
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Checks            int64
	ChecksFailed      int64
	Findings          int64
	MLSkipped         int64
	Alerts            int64
	Overrides         int64
	Incidents         int64
	Batches           int64
	BatchPatients     int64
	BatchFailed       int64
	UnrecognizedDrugs int64
}

func Read() Snapshot {
	return Snapshot{
		Checks:            checksTotal.Load(),
		ChecksFailed:      checksFailed.Load(),
		Findings:          findingsEmitted.Load(),
		MLSkipped:         mlSkipped.Load(),
		Alerts:            alertsRaised.Load(),
		Overrides:         overridesRecorded.Load(),
		Incidents:         incidentsOpened.Load(),
		Batches:           batchesCompleted.Load(),
		BatchPatients:     batchPatientsTotal.Load(),
		BatchFailed:       batchPatientsFail.Load(),
		UnrecognizedDrugs: normalizerMisses.Load(),
	}
}

func WritePrometheus(w http.ResponseWriter) {
	s := Read()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	counter(w, "ddi_checks_total", "Interaction checks processed.", s.Checks)
	counter(w, "ddi_checks_failed_total", "Interaction checks that aborted with an internal error.", s.ChecksFailed)
	counter(w, "ddi_findings_total", "Findings returned to callers.", s.Findings)
	counter(w, "ddi_ml_skipped_total", "Checks answered without the predictive layer.", s.MLSkipped)
	counter(w, "ddi_unrecognized_drugs_total", "Drug inputs the normalizer could not resolve.", s.UnrecognizedDrugs)
	counter(w, "ddi_alerts_total", "Severe-interaction alerts raised.", s.Alerts)
	counter(w, "ddi_overrides_total", "Override records created.", s.Overrides)
	counter(w, "ddi_override_incidents_total", "Incidents opened for overrides awaiting second signoff.", s.Incidents)
	counter(w, "ddi_batches_total", "Batch runs completed.", s.Batches)
	counter(w, "ddi_batch_patients_total", "Patients submitted through batch runs.", s.BatchPatients)
	counter(w, "ddi_batch_patients_failed_total", "Batch patients that failed or were never dispatched.", s.BatchFailed)
}

func counter(w http.ResponseWriter, name, help string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, value)
}
