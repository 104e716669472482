package changeflow

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Option is a Flow option function
type Option func(*Flow)

// IgnoreTables is an option for setting the tables that Flow should ignore.
// See TableFilter for the accepted formats. Any tables in this list will
// negate any whitelisted tables set via WhitelistTables().
func IgnoreTables(tables []string) Option {
	return func(f *Flow) {
		f.ignoreTables = tables
	}
}

// WhitelistTables is an option for setting a list of tables we want to listen for change from.
// Any tables set via IgnoreTables() will be excluded.
func WhitelistTables(tables []string) Option {
	return func(f *Flow) {
		f.whitelistTables = tables
	}
}

// Routes is an option for setting the route overrides applied to every event.
func Routes(rules []RouteRule) Option {
	return func(f *Flow) {
		f.routes = rules
	}
}

// PairID is an option for stamping a mapping id on events that carry none.
func PairID(id int64) Option {
	return func(f *Flow) {
		f.pairID = id
	}
}

// Logger is an option for setting the logger.
func Logger(logger *log.Logger) Option {
	return func(f *Flow) {
		f.logger = logger.WithField("component", "flow")
	}
}

// Flow connects a capture Listener to the filter and routing stages.
type Flow struct {
	listener        Listener
	ignoreTables    []string
	whitelistTables []string
	routes          []RouteRule
	pairID          int64
	pipeline        *Pipeline
	logger          *log.Entry
}

// NewFlow initializes and returns a new Flow.
func NewFlow(listener Listener, opts ...Option) (*Flow, error) {
	f := &Flow{
		listener: listener,
		pairID:   UnsetPairID,
		logger:   log.New().WithField("component", "flow"),
	}

	for _, opt := range opts {
		opt(f)
	}

	p, err := f.buildPipeline()
	if err != nil {
		return nil, err
	}
	f.pipeline = p

	return f, nil
}

func (f *Flow) buildPipeline() (*Pipeline, error) {
	p := NewPipeline()

	if len(f.whitelistTables) > 0 {
		filter, err := NewTableFilter(f.whitelistTables)
		if err != nil {
			return nil, err
		}
		p.AddStage("whitelist_tables", WhitelistStage(filter))
	}

	if len(f.ignoreTables) > 0 {
		filter, err := NewTableFilter(f.ignoreTables)
		if err != nil {
			return nil, err
		}
		p.AddStage("ignore_tables", IgnoreStage(filter))
	}

	if f.pairID != UnsetPairID {
		pairID := f.pairID
		p.AddStage("stamp_pair_id", func(event *ChangeEvent) (*ChangeEvent, error) {
			if event.PairID == UnsetPairID {
				event.PairID = pairID
			}
			return event, nil
		})
	}

	if len(f.routes) > 0 {
		router, err := NewRouter(f.routes)
		if err != nil {
			return nil, err
		}
		p.AddStage("route", router.Stage())
	}

	return p, nil
}

// Open dials the listener's connection to the source.
func (f *Flow) Open(ctx context.Context) error {
	return f.listener.Dial(ctx)
}

// ListenForChanges starts the listener and runs its events through the
// pipeline. It returns two channels, one for events, another for errors.
func (f *Flow) ListenForChanges(ctx context.Context) (<-chan *ChangeEvent, <-chan error) {
	f.logger.WithField("stages", f.pipeline.Stages()).Info("starting flow")

	changeCh, listenerErrCh := f.listener.ListenForChanges(ctx)
	outCh, pipelineErrCh := f.pipeline.Start(ctx, changeCh)

	errCh := make(chan error)
	forward := func(in <-chan error) {
		for {
			select {
			case err, ok := <-in:
				if !ok {
					return
				}
				select {
				case errCh <- err:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
	go forward(listenerErrCh)
	go forward(pipelineErrCh)

	return outCh, errCh
}

// Close will close the listener and try to gracefully shutdown the Flow.
func (f *Flow) Close() error {
	if err := f.listener.Close(); err != nil {
		f.logger.WithError(err).Warn("unable to gracefully shutdown flow")
		return err
	}
	return nil
}
