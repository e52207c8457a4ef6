package jobctl

import "github.com/sells-group/leadflow/pkg/stepapi"

// Reconcile returns the authoritative status for a sample. The job list's
// entry for the sample's job wins; the sample's own status is used only when
// the list has no entry for it.
func Reconcile(sample Sample, jobs []stepapi.JobSummary) Status {
	for _, j := range jobs {
		if j.JobID == sample.JobID {
			return ParseStatus(j.Status)
		}
	}
	return sample.Status
}

// firstRunning returns the first running job in a summary list.
func firstRunning(jobs []stepapi.JobSummary) (stepapi.JobSummary, bool) {
	for _, j := range jobs {
		if ParseStatus(j.Status) == StatusRunning {
			return j, true
		}
	}
	return stepapi.JobSummary{}, false
}
