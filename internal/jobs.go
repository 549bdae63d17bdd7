package relay

// Job is a deferred database mutation produced on the request hot path and
// applied by the async writer. Jobs in one batch are committed in a single
// transaction in enqueue order.
type Job interface{ isJob() }

// InsertRequestJob persists the audit row for a finished request, with its
// raw payloads when capture succeeded.
type InsertRequestJob struct {
	Record  *RequestRecord
	Payload *RequestPayload // nil when capture is disabled
}

// AccountUsedJob records one served request against an account: bumps the
// usage counters and, when NewSession is set, starts a fresh affinity window
// at At.
type AccountUsedJob struct {
	AccountID  string
	At         int64 // ms
	NewSession bool
}

// UpdateTokensJob persists a rotated OAuth credential pair atomically. When
// Done is non-nil the writer delivers the commit result exactly once, so the
// refresher can block until the tokens are durable.
type UpdateTokensJob struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // ms
	Done         chan error
}

// SetRateLimitJob locks an account out until Until and stores the reported
// limit metadata.
type SetRateLimitJob struct {
	AccountID string
	Until     int64 // ms
	Status    string
	Remaining int64
	Reset     int64 // ms
}

// ClearRateLimitJob lifts an account's rate-limit lock.
type ClearRateLimitJob struct {
	AccountID string
}

// PauseAccountJob sets the operator pause flag. ClearRefreshToken is used on
// permanent OAuth failure, leaving the account token-invalid until an
// operator re-authenticates it.
type PauseAccountJob struct {
	AccountID         string
	Paused            bool
	ClearRefreshToken bool
}

// TouchKeyJob bumps a client key's usage counter and last-used time.
type TouchKeyJob struct {
	KeyID string
	At    int64 // ms
}

// TouchWorkspaceJob records that an agent workspace was seen at At.
type TouchWorkspaceJob struct {
	Name string
	At   int64 // ms
}

func (InsertRequestJob) isJob()  {}
func (AccountUsedJob) isJob()    {}
func (UpdateTokensJob) isJob()   {}
func (SetRateLimitJob) isJob()   {}
func (ClearRateLimitJob) isJob() {}
func (PauseAccountJob) isJob()   {}
func (TouchKeyJob) isJob()       {}
func (TouchWorkspaceJob) isJob() {}
