package es

type (
	repoOpts struct {
		snapshotter   Snapshotter
		strategy      SnapshotStrategy
		metrics       ESMetrics
		idGenerator   IDGenerator
		compress      bool
		syncSnapshots bool
	}

	repoLoadOptions struct {
		snapshot bool
	}

	repoSaveOptions struct {
		snapshot bool
		metadata Metadata
	}

	repoTxOptions struct {
		create      bool
		maxAttempts int
	}
)

type (
	RepositoryOption interface{ applyToRepository(*repoOpts) }
	LoadOption       interface{ applyToLoadOptions(*repoLoadOptions) }
	SaveOption       interface{ applyToSaveOptions(*repoSaveOptions) }
	TxOption         interface{ applyToTxOptions(*repoTxOptions) }
)

type (
	SnapshotterOption         valueOption[Snapshotter]
	SnapshotStrategyOption    valueOption[SnapshotStrategy]
	ESMetricsOption           valueOption[ESMetrics]
	RepoIDGeneratorOption     valueOption[IDGenerator]
	SnapshotCompressionOption struct{}
	SyncSnapshotsOption       struct{}

	SnapshotOption valueOption[bool]
	MetadataOption valueOption[Metadata]

	TxCreateOption      struct{}
	TxMaxAttemptsOption valueOption[int]
)

// WithSnapshotter sets the snapshot store.
func WithSnapshotter(s Snapshotter) SnapshotterOption { return SnapshotterOption{v: s} }

// WithSnapshotStrategy overrides the default fixed-count strategy.
func WithSnapshotStrategy(s SnapshotStrategy) SnapshotStrategyOption {
	return SnapshotStrategyOption{v: s}
}

// WithMetrics sets the metrics implementation.
func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{v: m} }

// WithIDGenerator sets a custom envelope ID generator.
func WithIDGenerator(gen IDGenerator) RepoIDGeneratorOption {
	return RepoIDGeneratorOption{v: gen}
}

// WithSnapshotCompression enables zstd compression of snapshot state.
func WithSnapshotCompression() SnapshotCompressionOption { return SnapshotCompressionOption{} }

// WithSyncSnapshots makes strategy-triggered snapshots synchronous with
// Save. Errors are still swallowed (logged). Mainly for tests.
func WithSyncSnapshots() SyncSnapshotsOption { return SyncSnapshotsOption{} }

// WithSnapshot controls snapshot usage. On Load it enables/disables
// restoring from a snapshot (default true). On Save, true forces a
// snapshot regardless of strategy.
func WithSnapshot(v bool) SnapshotOption { return SnapshotOption{v: v} }

// WithMetadata attaches metadata (e.g. causation/correlation ids) to all
// envelopes of this save.
func WithMetadata(md Metadata) MetadataOption { return MetadataOption{v: md} }

// WithTxCreate makes WithTransaction create the aggregate when missing.
func WithTxCreate() TxCreateOption { return TxCreateOption{} }

// WithTxMaxAttempts bounds WithTransaction's conflict retries (default 5).
func WithTxMaxAttempts(n int) TxMaxAttemptsOption { return TxMaxAttemptsOption{v: n} }

func (o SnapshotterOption) applyToRepository(r *repoOpts)         { r.snapshotter = o.v }
func (o SnapshotStrategyOption) applyToRepository(r *repoOpts)    { r.strategy = o.v }
func (o ESMetricsOption) applyToRepository(r *repoOpts)           { r.metrics = o.v }
func (o RepoIDGeneratorOption) applyToRepository(r *repoOpts)     { r.idGenerator = o.v }
func (o SnapshotCompressionOption) applyToRepository(r *repoOpts) { r.compress = true }
func (o SyncSnapshotsOption) applyToRepository(r *repoOpts)       { r.syncSnapshots = true }

func (o SnapshotOption) applyToLoadOptions(l *repoLoadOptions) { l.snapshot = o.v }
func (o SnapshotOption) applyToSaveOptions(s *repoSaveOptions) { s.snapshot = o.v }
func (o MetadataOption) applyToSaveOptions(s *repoSaveOptions) { s.metadata = o.v }

func (o TxCreateOption) applyToTxOptions(t *repoTxOptions)      { t.create = true }
func (o TxMaxAttemptsOption) applyToTxOptions(t *repoTxOptions) { t.maxAttempts = o.v }

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	options := repoOpts{
		strategy:    NewFixedCountStrategy(0),
		metrics:     NopESMetrics(),
		idGenerator: DefaultIDGenerator(),
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	return options
}

func newLoadOptions(opts ...LoadOption) repoLoadOptions {
	options := repoLoadOptions{snapshot: true}
	for _, opt := range opts {
		opt.applyToLoadOptions(&options)
	}
	return options
}

func newSaveOptions(opts ...SaveOption) repoSaveOptions {
	options := repoSaveOptions{}
	for _, opt := range opts {
		opt.applyToSaveOptions(&options)
	}
	return options
}

func newTxOptions(opts ...TxOption) repoTxOptions {
	options := repoTxOptions{maxAttempts: 5}
	for _, opt := range opts {
		opt.applyToTxOptions(&options)
	}
	return options
}
