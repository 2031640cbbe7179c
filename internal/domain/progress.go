package domain

// FileTally summarises the outcome of a job's file entries.
type FileTally struct {
	Completed int
	Failed    int
	Active    int
}

// Tally counts file entries by outcome.
func Tally(files []FileState) FileTally {
	var t FileTally
	for _, f := range files {
		switch f.Status {
		case FileCompleted:
			t.Completed++
		case FileFailed:
			t.Failed++
		default:
			t.Active++
		}
	}
	return t
}

// OverallProgress is the truncated completion percentage, 0 when total is 0.
func OverallProgress(completed, total int) int {
	if total <= 0 {
		return 0
	}
	pct := 100 * completed / total
	if pct > 100 {
		return 100
	}
	return pct
}

// RecomputeProgress derives Progress and OverallProgress from Files.
// Stores call it after every mutation so the aggregate is never stale.
func (j *Job) RecomputeProgress() {
	t := Tally(j.Files)
	j.Progress = t.Completed
	j.OverallProgress = OverallProgress(t.Completed, j.Total)
}
