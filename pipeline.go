package changeflow

import (
	"context"
	"fmt"
)

type stageFn func(context.Context, <-chan *ChangeEvent, chan error) <-chan *ChangeEvent

// makeStageFunc wraps a StageFunc and returns a stageFn.
func makeStageFunc(name string, sFun StageFunc) stageFn {
	f := func(ctx context.Context, inCh <-chan *ChangeEvent, errCh chan error) <-chan *ChangeEvent {
		outCh := make(chan *ChangeEvent)
		go func() {
			defer close(outCh)
			for {
				select {
				case event, ok := <-inCh:
					if !ok {
						return
					}

					e, err := sFun(event)
					if err != nil {
						select {
						case errCh <- fmt.Errorf("stage %s: %w", name, err):
						case <-ctx.Done():
							return
						}
					}

					if e == nil {
						continue
					}

					select {
					case outCh <- e:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		return outCh
	}
	return f
}

// StageFunc is a function for processing change events in a pipeline Stage.
// The stage owns the event it receives until it returns it. It returns one of:
//     (ChangeEvent, nil): If the stage was successful
//     (nil, nil): If the event should be dropped (useful for filtering)
//     (nil, error): If there was an error during the stage
type StageFunc func(*ChangeEvent) (*ChangeEvent, error)

// Stage is a pipeline stage.
type Stage struct {
	Name string
	Fn   stageFn
}

// Pipeline represents a sequence of stages for processing ChangeEvents.
type Pipeline struct {
	stages []*Stage
	outCh  <-chan *ChangeEvent
	errCh  chan error
}

// NewPipeline returns a new Pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		stages: []*Stage{},
		errCh:  make(chan error),
	}
}

// AddStage adds a new Stage to the pipeline
func (p *Pipeline) AddStage(name string, fn StageFunc) {
	p.stages = append(p.stages, &Stage{
		Name: name,
		Fn:   makeStageFunc(name, fn),
	})
}

// Stages returns the names of the registered stages, in order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Start starts the pipeline, consuming off of a source chan that emits *ChangeEvent.
func (p *Pipeline) Start(ctx context.Context, sourceCh <-chan *ChangeEvent) (<-chan *ChangeEvent, <-chan error) {
	if len(p.stages) > 0 {
		outCh := p.stages[0].Fn(ctx, sourceCh, p.errCh)
		for _, stage := range p.stages[1:] {
			outCh = stage.Fn(ctx, outCh, p.errCh)
		}
		p.outCh = outCh
	} else {
		p.outCh = sourceCh
	}

	return p.outCh, p.errCh
}
