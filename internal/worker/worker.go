package worker

// Worker runs jobs handed to it on jobChannel until told to stop.
type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(pool *jobChannelPool) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			if job.stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.pool.exec(job)
			if !w.pool.Release(w.jobChannel) {
				return
			}
		}
	}()
}
