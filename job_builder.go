package stepflow

// Builder assembles a Controller via chained setters:
// New(name).Source(src).ConcurrencyMultiplier(n).AddStep(step).Build().
type Builder struct {
	name                  string
	concurrencyMultiplier int
	steps                 []*Step
	source                Source
	baseDir               string
	summaryDetailLimit    int
}

// New starts building a job named name. name must not be empty.
func New(name string) *Builder {
	if name == "" {
		panic("job name must not be empty")
	}
	return &Builder{name: name, concurrencyMultiplier: 1, baseDir: ".", summaryDetailLimit: defaultSummaryDetailLimit}
}

// ConcurrencyMultiplier sets the multiplier combined with the chain's
// pipeline fan-in to derive the in-flight record window.
func (b *Builder) ConcurrencyMultiplier(n int) *Builder {
	b.concurrencyMultiplier = n
	return b
}

// AddStep appends one or more aggregator steps to the chain, in call order.
func (b *Builder) AddStep(step ...*Step) *Builder {
	b.steps = append(b.steps, step...)
	return b
}

// Source sets the record source pump pulls from.
func (b *Builder) Source(source Source) *Builder {
	b.source = source
	return b
}

// BaseDir sets the directory under which run directories are created.
// Defaults to the current directory.
func (b *Builder) BaseDir(dir string) *Builder {
	b.baseDir = dir
	return b
}

// SummaryDetailLimit overrides the run summary's bounded detail list size,
// default 10000.
func (b *Builder) SummaryDetailLimit(n int) *Builder {
	b.summaryDetailLimit = n
	return b
}

// Build validates the configuration and returns a Controller. Missing
// chain, zero concurrency multiplier, and duplicate step instances are
// fatal Configuration errors raised here, not at Run time.
func (b *Builder) Build() (*Controller, error) {
	if len(b.steps) == 0 {
		return nil, ConfigurationError("job %q has no steps", b.name)
	}
	if b.concurrencyMultiplier <= 0 {
		return nil, ConfigurationError("job %q has a non-positive concurrency multiplier: %d", b.name, b.concurrencyMultiplier)
	}
	if b.source == nil {
		return nil, ConfigurationError("job %q has no source", b.name)
	}
	seen := make(map[*Step]bool, len(b.steps))
	for _, s := range b.steps {
		if seen[s] {
			return nil, ConfigurationError("job %q uses the same step instance twice: %q", b.name, s.StepName)
		}
		seen[s] = true
		if s.AggregationQuantity < 1 {
			return nil, ConfigurationError("job %q step %q has aggregation_quantity < 1", b.name, s.StepName)
		}
	}

	return &Controller{
		Name:                  b.name,
		concurrencyMultiplier: b.concurrencyMultiplier,
		chain:                 newChain(b.steps),
		source:                b.source,
		baseDir:               b.baseDir,
		summaryDetailLimit:    b.summaryDetailLimit,
	}, nil
}
