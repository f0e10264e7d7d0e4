package task

import (
	"context"

	"github.com/hashicorp/go-multierror"
)

func worker(ctx context.Context, supervisors <-chan *Supervisor, results chan<- error) {
	for s := range supervisors {
		_, err := s.Run(ctx)
		results <- err
	}
}

// RunAll supervises each configured task and waits for all of them to
// finish. At most batchSize tasks are in flight at once. Supervisors share
// nothing with one another, so this is plain fan-out.
func RunAll(ctx context.Context, supervisors []*Supervisor, batchSize int) error {

	numTasks := len(supervisors)
	if numTasks == 0 {
		return nil
	}

	jobs := make(chan *Supervisor, numTasks)
	results := make(chan error, numTasks)

	numWorkers := batchSize
	if numWorkers < 1 {
		numWorkers = 1
	}
	if numWorkers > numTasks {
		numWorkers = numTasks
	}

	for w := 0; w < numWorkers; w++ {
		go worker(ctx, jobs, results)
	}
	for _, s := range supervisors {
		jobs <- s
	}
	close(jobs)

	var result *multierror.Error
	for i := 0; i < numTasks; i++ {
		taskResult := <-results
		result = multierror.Append(result, taskResult)
	}
	return result.ErrorOrNil()
}
