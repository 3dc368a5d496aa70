package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ledger"
	"ticksettle/internal/core/ports"
	"ticksettle/pkg/retry"

	"go.uber.org/zap"
)

// OrchestratorConfig tunes the billing loop.
type OrchestratorConfig struct {
	Interval time.Duration
	Workers  int
	// DefaultSpendingLimit applies to viewers without a configured limit.
	DefaultSpendingLimit domain.Amount
	// DepartedGracePeriod stops billing viewers that left longer ago than this.
	// Zero keeps their ticks collectible forever.
	DepartedGracePeriod time.Duration
	// MaxDeferrals pauses a viewer after this many passes in a row without a
	// billing verdict. Zero never pauses for that.
	MaxDeferrals int
	// LockTTL bounds how long a crashed instance can keep a viewer's billing lock.
	LockTTL time.Duration
	// LockRetry governs how limit and reset requests wait out a concurrent pass.
	LockRetry retry.Config
	Clock     func() time.Time
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	lockRetry := retry.DefaultConfig()
	lockRetry.MaxAttempts = 5
	return OrchestratorConfig{
		Interval:             5 * time.Second,
		Workers:              8,
		DefaultSpendingLimit: domain.Unlimited,
		MaxDeferrals:         10,
		LockTTL:              30 * time.Second,
		LockRetry:            lockRetry,
		Clock:                time.Now,
	}
}

// BillingLedger is the read side of the engagement ledger used for billing.
type BillingLedger interface {
	ListUnbilled(ctx context.Context) ([]*domain.Engagement, error)
	GetEngagement(ctx context.Context, id domain.StreamID, viewer domain.AccountID) (*domain.Engagement, error)
	GetStream(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
}

type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, origin domain.Origin, call domain.PaymentCall) (*domain.PaymentRecord, error)
	Balance(ctx context.Context, account domain.AccountID) (domain.Amount, error)
}

var (
	// errViewerBusy is returned when another instance holds the viewer's billing lock.
	errViewerBusy = fmt.Errorf("%w: viewer is being billed by another instance", domain.ErrVersionConflict)
	// errPaymentUnresolved defers a stream whose previous payment may still commit.
	errPaymentUnresolved = errors.New("payment from an earlier pass is not resolved yet")
)

type playbackKey struct {
	stream domain.StreamID
	viewer domain.AccountID
}

// PaymentOrchestrator converts unbilled ticks into payments and enforces viewer
// spending limits.
//
// A viewer's spending account has a single writer at a time: a per-process lane
// serializes goroutines, the optional Locker serializes instances, and the
// repository rejects any write based on a stale version. Spend is reserved and
// persisted before a payment is submitted, so a lost write or a crash can only
// over-count spend, never let billing run past the limit.
type PaymentOrchestrator struct {
	engagements BillingLedger
	payments    PaymentProcessor
	signers     ports.SignerProvider
	spending    ports.SpendingRepository
	transport   ports.Transport
	locker      ports.Locker
	observer    ports.SettlementObserver
	config      OrchestratorConfig
	logger      *zap.SugaredLogger

	lanesMu sync.Mutex
	lanes   map[domain.AccountID]*sync.Mutex

	// delivered is what this process last told the transport.
	deliveredMu sync.Mutex
	delivered   map[playbackKey]domain.PauseReason

	// unavailable counts passes in a row the viewer's account could not be loaded.
	unavailableMu sync.Mutex
	unavailable   map[domain.AccountID]int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPaymentOrchestrator(
	engagements BillingLedger,
	payments PaymentProcessor,
	signers ports.SignerProvider,
	spending ports.SpendingRepository,
	transport ports.Transport,
	config OrchestratorConfig,
	logger *zap.SugaredLogger,
) *PaymentOrchestrator {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 30 * time.Second
	}
	config.LockRetry.Retryable = func(err error) bool {
		return errors.Is(err, domain.ErrVersionConflict)
	}
	return &PaymentOrchestrator{
		engagements: engagements,
		payments:    payments,
		signers:     signers,
		spending:    spending,
		transport:   transport,
		config:      config,
		logger:      logger,
		lanes:       make(map[domain.AccountID]*sync.Mutex),
		delivered:   make(map[playbackKey]domain.PauseReason),
		unavailable: make(map[domain.AccountID]int),
	}
}

func (o *PaymentOrchestrator) SetObserver(observer ports.SettlementObserver) {
	o.observer = observer
}

// SetLocker makes billing exclusive per viewer across every instance sharing
// locker. It must be called before Start.
func (o *PaymentOrchestrator) SetLocker(locker ports.Locker) {
	o.locker = locker
}

func (o *PaymentOrchestrator) lane(viewer domain.AccountID) *sync.Mutex {
	o.lanesMu.Lock()
	defer o.lanesMu.Unlock()

	l, ok := o.lanes[viewer]
	if !ok {
		l = &sync.Mutex{}
		o.lanes[viewer] = l
	}
	return l
}

// acquire takes the viewer's lane and, when a Locker is set, the viewer's
// cluster-wide billing lock. The returned func releases both.
func (o *PaymentOrchestrator) acquire(ctx context.Context, viewer domain.AccountID) (func(), error) {
	lane := o.lane(viewer)
	lane.Lock()
	if o.locker == nil {
		return lane.Unlock, nil
	}

	lock, ok, err := o.locker.TryLock(ctx, "billing:"+string(viewer), o.config.LockTTL)
	if err != nil {
		lane.Unlock()
		return nil, fmt.Errorf("failed to acquire billing lock for %s: %w", viewer, err)
	}
	if !ok {
		lane.Unlock()
		return nil, errViewerBusy
	}
	return func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warnw("Failed to release billing lock", "viewer", viewer, "error", err)
		}
		lane.Unlock()
	}, nil
}

// RunOnce bills every engagement with unbilled ticks.
func (o *PaymentOrchestrator) RunOnce(ctx context.Context) (*domain.BillingReport, error) {
	start := o.config.Clock()
	report := &domain.BillingReport{StartedAt: start}

	unbilled, err := o.engagements.ListUnbilled(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list unbilled engagements: %w", err)
	}

	byViewer := make(map[domain.AccountID][]*domain.Engagement)
	for _, e := range unbilled {
		byViewer[e.Viewer] = append(byViewer[e.Viewer], e)
	}
	viewers := make([]domain.AccountID, 0, len(byViewer))
	for v := range byViewer {
		viewers = append(viewers, v)
	}
	sort.Slice(viewers, func(i, j int) bool { return viewers[i] < viewers[j] })
	report.Viewers = len(viewers)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, o.config.Workers)
	)
	for _, viewer := range viewers {
		sem <- struct{}{}
		wg.Add(1)
		go func(viewer domain.AccountID) {
			defer wg.Done()
			defer func() { <-sem }()

			results, err := o.billViewer(ctx, viewer, byViewer[viewer], nil)
			switch {
			case errors.Is(err, errViewerBusy):
				o.logger.Debugw("Viewer billed by another instance, skipping", "viewer", viewer)
			case err != nil:
				o.logger.Errorw("Billing viewer failed", "viewer", viewer, "error", err)
			}
			mu.Lock()
			report.Results = append(report.Results, results...)
			mu.Unlock()
		}(viewer)
	}
	wg.Wait()

	sort.Slice(report.Results, func(i, j int) bool {
		a, b := report.Results[i], report.Results[j]
		if a.Viewer != b.Viewer {
			return a.Viewer < b.Viewer
		}
		return a.StreamID < b.StreamID
	})
	report.Duration = o.config.Clock().Sub(start)

	if len(report.Results) > 0 {
		o.logger.Infow("Billing pass complete",
			"viewers", report.Viewers,
			"billed", report.Count(domain.OutcomeBilled),
			"paused", report.Count(domain.OutcomePaused),
			"deferred", report.Count(domain.OutcomeDeferred),
			"halted", report.Count(domain.OutcomeHalted),
			"duration", report.Duration,
		)
	}
	return report, nil
}

// billViewer bills the viewer's engagements while holding the viewer's locks.
// mutate, when set, is applied to the spending account before billing and may
// veto the whole call.
func (o *PaymentOrchestrator) billViewer(ctx context.Context, viewer domain.AccountID, engagements []*domain.Engagement, mutate func(*domain.SpendingAccount) error) ([]*domain.BillingResult, error) {
	release, err := o.acquire(ctx, viewer)
	if err != nil {
		return nil, err
	}
	defer release()

	account, err := o.loadAccount(ctx, viewer)
	if err != nil {
		o.spendingUnavailable(ctx, viewer, engagements, err)
		return nil, err
	}
	o.unavailableMu.Lock()
	delete(o.unavailable, viewer)
	o.unavailableMu.Unlock()

	before := make(map[domain.StreamID]domain.PauseReason, len(account.Paused))
	for stream, reason := range account.Paused {
		before[stream] = reason
	}

	o.reconcile(ctx, account)
	if mutate != nil {
		if err := mutate(account); err != nil {
			return nil, err
		}
	}

	engagements = o.refresh(ctx, engagements)
	sort.Slice(engagements, func(i, j int) bool { return engagements[i].StreamID < engagements[j].StreamID })

	var aborted error
	results := make([]*domain.BillingResult, 0, len(engagements))
	for _, e := range engagements {
		var result *domain.BillingResult
		if aborted != nil {
			result = &domain.BillingResult{StreamID: e.StreamID, Viewer: e.Viewer, Ticks: e.Unbilled()}
			result = o.deferred(nil, result, aborted)
		} else {
			result, aborted = o.bill(ctx, account, e)
		}
		results = append(results, result)
		if o.observer != nil {
			o.observer.ObserveBilling(result)
		}
	}

	if aborted == nil {
		if mutate != nil {
			o.releaseLimitPauses(account, engagements)
		}
		if err := o.save(ctx, account); err != nil {
			aborted = fmt.Errorf("failed to save spending account: %w", err)
		}
	}

	o.syncPlayback(ctx, account, before, engagements)
	return results, aborted
}

// refresh re-reads engagements once the viewer's locks are held. The listed
// copies may predate a pass another instance finished in the meantime.
func (o *PaymentOrchestrator) refresh(ctx context.Context, engagements []*domain.Engagement) []*domain.Engagement {
	fresh := make([]*domain.Engagement, 0, len(engagements))
	for _, e := range engagements {
		current, err := o.engagements.GetEngagement(ctx, e.StreamID, e.Viewer)
		if err != nil {
			o.logger.Debugw("Using listed engagement", "stream_id", e.StreamID, "viewer", e.Viewer, "error", err)
			current = e
		}
		fresh = append(fresh, current)
	}
	return fresh
}

// bill settles one engagement. A non-nil error means the spending account could
// not be written and the rest of the viewer's engagements must wait.
func (o *PaymentOrchestrator) bill(ctx context.Context, account *domain.SpendingAccount, e *domain.Engagement) (*domain.BillingResult, error) {
	result := &domain.BillingResult{StreamID: e.StreamID, Viewer: e.Viewer, Ticks: e.Unbilled()}

	if result.Ticks == 0 {
		result.Outcome = domain.OutcomeSkipped
		return result, nil
	}
	if o.config.DepartedGracePeriod > 0 && e.State == domain.StateLeft && e.LeftAt != nil &&
		o.config.Clock().Sub(*e.LeftAt) > o.config.DepartedGracePeriod {
		result.Outcome = domain.OutcomeSkipped
		return result, nil
	}

	if _, pending := account.Pending[e.StreamID]; pending {
		return o.deferred(account, result, errPaymentUnresolved), nil
	}

	stream, err := o.engagements.GetStream(ctx, e.StreamID)
	if err != nil {
		return o.deferred(account, result, err), nil
	}

	amount, err := stream.Pricing.AmountFor(result.Ticks)
	if err != nil {
		o.logger.Errorw("Billing amount overflows, halting engagement",
			"stream_id", e.StreamID,
			"viewer", e.Viewer,
			"ticks", result.Ticks,
			"error", err,
		)
		return o.halted(account, result, err), nil
	}
	result.Amount = amount

	if amount < stream.Pricing.MinPaymentAmount {
		account.ResetDeferrals(e.StreamID)
		result.Outcome = domain.OutcomeAccruing
		return result, nil
	}

	if !account.Allows(amount) {
		return o.paused(account, result, domain.PauseLimitExceeded, domain.ErrLimitExceeded), nil
	}

	balance, err := o.payments.Balance(ctx, e.Viewer)
	if err != nil {
		return o.deferred(account, result, err), nil
	}
	if balance < amount {
		return o.paused(account, result, domain.PauseInsufficientBalance, domain.ErrInsufficientBalance), nil
	}

	// The reservation must be durable before the payment can commit.
	account.Reserve(e.StreamID, amount, e.Watermark, o.config.Clock().UTC())
	if err := o.save(ctx, account); err != nil {
		account.Release(e.StreamID)
		return o.deferred(nil, result, err), fmt.Errorf("failed to reserve spend: %w", err)
	}

	call := domain.PaymentCall{
		Payee:         stream.Creator,
		StreamID:      stream.ID,
		Amount:        amount,
		TickCount:     result.Ticks,
		FromWatermark: e.Watermark,
	}
	record, err := o.submit(ctx, e.Viewer, call)
	if err == nil {
		account.Settle(e.StreamID)
		account.ResetDeferrals(e.StreamID)
		account.ClearPaused(e.StreamID)
		result.Outcome = domain.OutcomeBilled
		o.logger.Debugw("Viewer billed",
			"payment_id", record.ID,
			"stream_id", e.StreamID,
			"viewer", e.Viewer,
			"ticks", result.Ticks,
			"amount", amount,
		)
		return result, nil
	}

	// Everything the ledger classifies was rejected before commit. Anything
	// else may have committed, so the reservation stays until reconcile sees
	// the watermark.
	if domain.Classify(err) != domain.ClassTransient {
		account.Release(e.StreamID)
	}

	switch domain.Classify(err) {
	case domain.ClassEconomic:
		reason := domain.PausePaymentRejected
		switch {
		case errors.Is(err, domain.ErrInsufficientBalance):
			reason = domain.PauseInsufficientBalance
		case errors.Is(err, domain.ErrLimitExceeded):
			reason = domain.PauseLimitExceeded
		case errors.Is(err, domain.ErrAmountTooSmall):
			result.Outcome = domain.OutcomeAccruing
			return result, nil
		}
		return o.paused(account, result, reason, err), nil
	case domain.ClassInvariant:
		o.logger.Errorw("Ledger invariant violated while billing, halting engagement",
			"stream_id", e.StreamID,
			"viewer", e.Viewer,
			"error", err,
		)
		return o.halted(account, result, err), nil
	case domain.ClassAuthorization:
		if errors.Is(err, domain.ErrStaleWatermark) || errors.Is(err, domain.ErrTicksUnavailable) {
			return o.deferred(nil, result, err), nil
		}
		o.logger.Errorw("Payment rejected by ledger",
			"stream_id", e.StreamID,
			"viewer", e.Viewer,
			"error", err,
		)
		return o.paused(account, result, domain.PausePaymentRejected, err), nil
	default:
		return o.deferred(account, result, err), nil
	}
}

func (o *PaymentOrchestrator) submit(ctx context.Context, viewer domain.AccountID, call domain.PaymentCall) (*domain.PaymentRecord, error) {
	signer, err := o.signers.SignerFor(viewer)
	if err != nil {
		return nil, fmt.Errorf("%w: no signer for %s: %v", domain.ErrUnauthorized, viewer, err)
	}
	origin, err := ledger.SignCall(ctx, signer, domain.NewProcessPaymentCall(call))
	if err != nil {
		return nil, err
	}
	return o.payments.ProcessPayment(ctx, origin, call)
}

func (o *PaymentOrchestrator) save(ctx context.Context, account *domain.SpendingAccount) error {
	account.UpdatedAt = o.config.Clock().UTC()
	return o.spending.Save(ctx, account)
}

// deferred leaves the engagement for the next pass. With account set the pass
// counts towards MaxDeferrals; reaching it pauses the viewer.
func (o *PaymentOrchestrator) deferred(account *domain.SpendingAccount, result *domain.BillingResult, err error) *domain.BillingResult {
	result.Outcome = domain.OutcomeDeferred
	result.Error = err.Error()

	if account != nil && o.config.MaxDeferrals > 0 {
		if n := account.Defer(result.StreamID); n >= o.config.MaxDeferrals {
			o.logger.Errorw("Billing unavailable for too long, pausing viewer",
				"stream_id", result.StreamID,
				"viewer", result.Viewer,
				"deferrals", n,
				"error", err,
			)
			account.SetPaused(result.StreamID, domain.PauseBillingUnavailable)
			result.Outcome = domain.OutcomePaused
			result.Reason = domain.PauseBillingUnavailable
			return result
		}
	}

	o.logger.Warnw("Billing deferred to next interval",
		"stream_id", result.StreamID,
		"viewer", result.Viewer,
		"error", err,
	)
	return result
}

func (o *PaymentOrchestrator) paused(account *domain.SpendingAccount, result *domain.BillingResult, reason domain.PauseReason, err error) *domain.BillingResult {
	account.ResetDeferrals(result.StreamID)
	account.SetPaused(result.StreamID, reason)
	result.Outcome = domain.OutcomePaused
	result.Reason = reason
	result.Error = err.Error()
	return result
}

func (o *PaymentOrchestrator) halted(account *domain.SpendingAccount, result *domain.BillingResult, err error) *domain.BillingResult {
	account.ResetDeferrals(result.StreamID)
	account.SetPaused(result.StreamID, domain.PauseHalted)
	result.Outcome = domain.OutcomeHalted
	result.Error = err.Error()
	return result
}

// reconcile resolves reservations left by an earlier pass from where the
// engagement watermark stands now. A moved watermark settles the reservation.
// An unmoved one is released only once the reservation is older than LockTTL,
// since until then its payment may still be in flight on another instance.
// Anything unresolved stays counted.
func (o *PaymentOrchestrator) reconcile(ctx context.Context, account *domain.SpendingAccount) {
	now := o.config.Clock()
	for stream, r := range account.Pending {
		e, err := o.engagements.GetEngagement(ctx, stream, account.Viewer)
		if err != nil {
			o.logger.Warnw("Cannot resolve reserved spend, keeping it",
				"stream_id", stream,
				"viewer", account.Viewer,
				"amount", r.Amount,
				"error", err,
			)
			continue
		}
		switch {
		case e.Watermark > r.FromWatermark:
			account.Settle(stream)
			account.ResetDeferrals(stream)
			o.logger.Infow("Reserved spend settled", "stream_id", stream, "viewer", account.Viewer, "amount", r.Amount)
		case now.Sub(r.ReservedAt) > o.config.LockTTL:
			account.Release(stream)
			o.logger.Infow("Reserved spend released", "stream_id", stream, "viewer", account.Viewer, "amount", r.Amount)
		}
	}
}

// releaseLimitPauses resumes streams paused for the spending limit that have
// nothing left to bill once the limit allows further spend.
func (o *PaymentOrchestrator) releaseLimitPauses(account *domain.SpendingAccount, billed []*domain.Engagement) {
	seen := make(map[domain.StreamID]bool, len(billed))
	for _, e := range billed {
		seen[e.StreamID] = true
	}
	for stream, reason := range account.Paused {
		if seen[stream] || reason != domain.PauseLimitExceeded {
			continue
		}
		if account.CurrentSpend < account.Limit {
			account.ClearPaused(stream)
		}
	}
}

// syncPlayback brings the transport in line with the account. Transitions are
// logged and observed; a pause the transport was never told about in this
// process is re-sent even without a transition.
func (o *PaymentOrchestrator) syncPlayback(ctx context.Context, account *domain.SpendingAccount, before map[domain.StreamID]domain.PauseReason, engagements []*domain.Engagement) {
	streams := make(map[domain.StreamID]struct{}, len(engagements)+len(account.Paused)+len(before))
	for _, e := range engagements {
		streams[e.StreamID] = struct{}{}
	}
	for stream := range account.Paused {
		streams[stream] = struct{}{}
	}
	for stream := range before {
		streams[stream] = struct{}{}
	}
	ordered := make([]domain.StreamID, 0, len(streams))
	for stream := range streams {
		ordered = append(ordered, stream)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, stream := range ordered {
		was, wasPaused := before[stream]
		reason, paused := account.PauseReasonFor(stream)
		held, delivered := o.deliveredReason(stream, account.Viewer)

		if paused {
			transition := !wasPaused || was != reason
			if transition {
				o.logger.Infow("Pausing viewer", "stream_id", stream, "viewer", account.Viewer, "reason", reason)
				if o.observer != nil {
					o.observer.ObservePlayback(domain.PlaybackPaused, reason)
				}
			}
			if transition || !delivered || held != reason {
				o.deliverPause(ctx, stream, account.Viewer, reason)
			}
			continue
		}
		if wasPaused {
			o.logger.Infow("Resuming viewer", "stream_id", stream, "viewer", account.Viewer)
			if o.observer != nil {
				o.observer.ObservePlayback(domain.PlaybackActive, "")
			}
		}
		if wasPaused || delivered {
			o.deliverResume(ctx, stream, account.Viewer)
		}
	}
}

// spendingUnavailable pauses the viewer's streams at the transport once the
// spending account has been unreadable for MaxDeferrals passes in a row. The
// pause is lifted by the first pass that can read the account again.
func (o *PaymentOrchestrator) spendingUnavailable(ctx context.Context, viewer domain.AccountID, engagements []*domain.Engagement, err error) {
	if o.config.MaxDeferrals <= 0 {
		return
	}
	o.unavailableMu.Lock()
	o.unavailable[viewer]++
	n := o.unavailable[viewer]
	o.unavailableMu.Unlock()
	if n < o.config.MaxDeferrals {
		return
	}

	for _, e := range engagements {
		if _, delivered := o.deliveredReason(e.StreamID, viewer); delivered {
			continue
		}
		o.logger.Errorw("Spending account unavailable for too long, pausing viewer",
			"stream_id", e.StreamID,
			"viewer", viewer,
			"passes", n,
			"error", err,
		)
		o.deliverPause(ctx, e.StreamID, viewer, domain.PauseBillingUnavailable)
	}
}

func (o *PaymentOrchestrator) deliveredReason(stream domain.StreamID, viewer domain.AccountID) (domain.PauseReason, bool) {
	o.deliveredMu.Lock()
	defer o.deliveredMu.Unlock()
	reason, ok := o.delivered[playbackKey{stream: stream, viewer: viewer}]
	return reason, ok
}

// deliverPause only records what the transport accepted, so a failed delivery
// is retried by the next pass.
func (o *PaymentOrchestrator) deliverPause(ctx context.Context, stream domain.StreamID, viewer domain.AccountID, reason domain.PauseReason) {
	if err := o.transport.PauseViewer(ctx, stream, viewer, reason); err != nil {
		o.logger.Warnw("Failed to deliver pause", "stream_id", stream, "viewer", viewer, "error", err)
		return
	}
	o.deliveredMu.Lock()
	o.delivered[playbackKey{stream: stream, viewer: viewer}] = reason
	o.deliveredMu.Unlock()
}

func (o *PaymentOrchestrator) deliverResume(ctx context.Context, stream domain.StreamID, viewer domain.AccountID) {
	if err := o.transport.ResumeViewer(ctx, stream, viewer); err != nil {
		o.logger.Warnw("Failed to deliver resume", "stream_id", stream, "viewer", viewer, "error", err)
		return
	}
	o.deliveredMu.Lock()
	delete(o.delivered, playbackKey{stream: stream, viewer: viewer})
	o.deliveredMu.Unlock()
}

func (o *PaymentOrchestrator) loadAccount(ctx context.Context, viewer domain.AccountID) (*domain.SpendingAccount, error) {
	account, err := o.spending.Get(ctx, viewer)
	if errors.Is(err, domain.ErrNotFound) {
		now := o.config.Clock().UTC()
		return &domain.SpendingAccount{
			Viewer:    viewer,
			Limit:     o.config.DefaultSpendingLimit,
			ResetAt:   now,
			UpdatedAt: now,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load spending account for %s: %w", viewer, err)
	}
	return account, nil
}

func (o *PaymentOrchestrator) unbilledFor(ctx context.Context, viewer domain.AccountID) ([]*domain.Engagement, error) {
	all, err := o.engagements.ListUnbilled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list unbilled engagements: %w", err)
	}
	var mine []*domain.Engagement
	for _, e := range all {
		if e.Viewer == viewer {
			mine = append(mine, e)
		}
	}
	return mine, nil
}

// rebill runs billViewer for an account change, waiting out a concurrent pass
// on this or another instance.
func (o *PaymentOrchestrator) rebill(ctx context.Context, viewer domain.AccountID, mutate func(*domain.SpendingAccount) error) error {
	return retry.Retry(ctx, o.config.LockRetry, func() error {
		engagements, err := o.unbilledFor(ctx, viewer)
		if err != nil {
			return err
		}
		_, err = o.billViewer(ctx, viewer, engagements, mutate)
		return err
	})
}

// UpdateSpendingLimit stores a new limit and immediately re-bills the viewer's
// outstanding engagements against it. A limit below what the viewer has
// already spent in the current period is rejected; ResetSpend starts a new one.
func (o *PaymentOrchestrator) UpdateSpendingLimit(ctx context.Context, viewer domain.AccountID, limit domain.Amount) error {
	err := o.rebill(ctx, viewer, func(a *domain.SpendingAccount) error {
		if limit < a.CurrentSpend {
			return fmt.Errorf("%w: limit %d is below current spend %d", domain.ErrInvalidArgument, limit, a.CurrentSpend)
		}
		a.Limit = limit
		return nil
	})
	if err != nil {
		return err
	}
	o.logger.Infow("Spending limit updated", "viewer", viewer, "limit", limit)
	return nil
}

// ResetSpend starts a new spending period for viewer.
func (o *PaymentOrchestrator) ResetSpend(ctx context.Context, viewer domain.AccountID) error {
	now := o.config.Clock().UTC()
	err := o.rebill(ctx, viewer, func(a *domain.SpendingAccount) error {
		a.CurrentSpend = 0
		a.ResetAt = now
		return nil
	})
	if err != nil {
		return err
	}
	o.logger.Infow("Spending period reset", "viewer", viewer)
	return nil
}

func (o *PaymentOrchestrator) account(ctx context.Context, viewer domain.AccountID) (*domain.SpendingAccount, error) {
	lane := o.lane(viewer)
	lane.Lock()
	defer lane.Unlock()
	return o.loadAccount(ctx, viewer)
}

// GetSpendingLimit returns the viewer's limit, domain.Unlimited when none is set.
func (o *PaymentOrchestrator) GetSpendingLimit(ctx context.Context, viewer domain.AccountID) (domain.Amount, error) {
	account, err := o.account(ctx, viewer)
	if err != nil {
		return 0, err
	}
	return account.Limit, nil
}

// GetTotalSpent returns everything billed to the viewer across all periods.
func (o *PaymentOrchestrator) GetTotalSpent(ctx context.Context, viewer domain.AccountID) (domain.Amount, error) {
	account, err := o.account(ctx, viewer)
	if err != nil {
		return 0, err
	}
	return account.TotalSpent, nil
}

// GetCurrentSpend returns spend in the current period, reservations included.
func (o *PaymentOrchestrator) GetCurrentSpend(ctx context.Context, viewer domain.AccountID) (domain.Amount, error) {
	account, err := o.account(ctx, viewer)
	if err != nil {
		return 0, err
	}
	return account.CurrentSpend, nil
}

// GetBalance returns the viewer's ledger balance.
func (o *PaymentOrchestrator) GetBalance(ctx context.Context, account domain.AccountID) (domain.Amount, error) {
	return o.payments.Balance(ctx, account)
}

// PlaybackState reports whether viewer is paused on stream and why.
func (o *PaymentOrchestrator) PlaybackState(ctx context.Context, stream domain.StreamID, viewer domain.AccountID) (domain.PlaybackState, domain.PauseReason, error) {
	account, err := o.account(ctx, viewer)
	if err != nil {
		return "", "", err
	}
	if reason, paused := account.PauseReasonFor(stream); paused {
		return domain.PlaybackPaused, reason, nil
	}
	return domain.PlaybackActive, "", nil
}

// Start runs billing passes every Interval until Stop or ctx ends.
func (o *PaymentOrchestrator) Start(ctx context.Context) {
	o.stopCh = make(chan struct{})
	o.wg.Add(1)
	go o.run(ctx)

	o.logger.Infow("Payment orchestrator started",
		"interval", o.config.Interval,
		"workers", o.config.Workers,
		"departed_grace_period", o.config.DepartedGracePeriod,
		"max_deferrals", o.config.MaxDeferrals,
		"distributed_lock", o.locker != nil,
	)
}

func (o *PaymentOrchestrator) Stop() {
	if o.stopCh != nil {
		close(o.stopCh)
		o.wg.Wait()
		o.stopCh = nil
	}
	o.logger.Info("Payment orchestrator stopped")
}

func (o *PaymentOrchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			if _, err := o.RunOnce(ctx); err != nil {
				o.logger.Errorw("Billing pass failed", "error", err)
			}
		}
	}
}
