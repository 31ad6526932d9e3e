package scabbard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"github.com/shannynalayna/splinter/pkg/batch"
	"github.com/shannynalayna/splinter/pkg/batchlog"
	"github.com/shannynalayna/splinter/pkg/merkle"
	"github.com/shannynalayna/splinter/pkg/splerrors"
	"github.com/shannynalayna/splinter/pkg/transport"
	"github.com/shannynalayna/splinter/pkg/types"
)

// BatchState is the externally observable outcome of a batch.
type BatchState string

const (
	BatchPending   BatchState = "Pending"
	BatchCommitted BatchState = "Committed"
	BatchAborted   BatchState = "Aborted"
	BatchUnknown   BatchState = "Unknown"
)

// BatchStatus reports a batch's resolution. Timeouts and explicit rejects
// both abort, but the reason distinguishes "a peer disagreed" from "a peer
// was unreachable".
type BatchStatus struct {
	ID       types.BatchID   `json:"id"`
	Seq      types.SeqNum    `json:"seq"`
	State    BatchState      `json:"state"`
	Root     types.StateRoot `json:"root,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	TimedOut bool            `json:"timed_out,omitempty"`
}

// Peer is one remote service this engine reaches consensus with.
type Peer struct {
	Node      types.NodeID
	ServiceID types.ServiceID
}

// EngineConfig carries everything an engine needs at construction.
type EngineConfig struct {
	CircuitID types.CircuitID
	ServiceID types.ServiceID
	LocalNode types.NodeID
	Peers     []Peer
	DataDir   string
	Transport transport.Transport
	// Timeout bounds the coordinator's wait for participant votes.
	Timeout time.Duration
}

type roundRole int

const (
	roleCoordinator roundRole = iota
	roleParticipant
)

type decision struct {
	commit   bool
	reason   string
	timedOut bool
}

// round is the single in-flight two-phase-commit unit. At most one exists
// per engine; a new offer cannot start while one is unresolved.
type round struct {
	role               roundRole
	seq                types.SeqNum
	id                 types.BatchID
	ops                []batch.Op
	coordinator        types.NodeID
	coordinatorService types.ServiceID
	cs                 *merkle.ChangeSet
	stagedRoot         types.StateRoot

	// coordinator side; keyed by participant service, since a circuit
	// may place several services on one node
	votes  map[types.ServiceID]OfferVotePayload
	doneCh chan decision
}

// Engine runs two-phase-commit consensus for one service: coordinator for
// batches it originates, participant for batches its peers originate.
// Sequence slots advance by exactly one per resolved batch, committed or
// aborted, so replicas stay in lockstep.
type Engine struct {
	circuitID types.CircuitID
	serviceID types.ServiceID
	localNode types.NodeID
	peers     []Peer
	transport transport.Transport
	timeout   time.Duration
	nowMs     func() int64

	state *merkle.Store
	log   *batchlog.Log

	mu        sync.Mutex
	lastSeq   types.SeqNum
	inflight  *round
	held      *skipmap.FuncMap[uint64, OfferPayload]
	statuses  map[types.BatchID]BatchStatus
	statusSeq map[types.SeqNum]types.BatchID
	stopped   bool
}

// NewEngine opens the service's batch log, replays it to rebuild the
// Merkle state, and only then is ready to take offers. The log is the
// source of truth after a crash.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	log, err := batchlog.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch log for %s/%s: %w",
			cfg.CircuitID, cfg.ServiceID, err)
	}

	e := &Engine{
		circuitID: cfg.CircuitID,
		serviceID: cfg.ServiceID,
		localNode: cfg.LocalNode,
		peers:     cfg.Peers,
		transport: cfg.Transport,
		timeout:   cfg.Timeout,
		nowMs:     func() int64 { return time.Now().UnixMilli() },
		state:     merkle.NewStore(),
		log:       log,
		held:      skipmap.NewFunc[uint64, OfferPayload](func(a, b uint64) bool { return a < b }),
		statuses:  make(map[types.BatchID]BatchStatus),
		statusSeq: make(map[types.SeqNum]types.BatchID),
	}

	if err := e.recover(); err != nil {
		_ = log.Close()
		return nil, err
	}
	return e, nil
}

// recover re-derives in-memory state deterministically from the batch log.
func (e *Engine) recover() error {
	return e.log.Replay(0, func(entry batchlog.Entry) error {
		if entry.Seq != e.lastSeq+1 {
			return fmt.Errorf("log gap at seq %d after %d: %w",
				entry.Seq, e.lastSeq, splerrors.ErrSequenceViolation)
		}
		status := BatchStatus{ID: entry.BatchID, Seq: entry.Seq}
		switch entry.Outcome {
		case batchlog.OutcomeCommitted:
			cs := e.state.NewChangeSet()
			cs.Apply(entry.Ops)
			_, root, err := e.state.Commit(cs)
			if err != nil {
				return fmt.Errorf("failed to reapply seq %d: %w", entry.Seq, err)
			}
			if root != entry.Root {
				return fmt.Errorf("replayed root %s does not match logged root %s at seq %d: %w",
					root, entry.Root, entry.Seq, splerrors.ErrStorageFailure)
			}
			status.State = BatchCommitted
			status.Root = root
		case batchlog.OutcomeAborted:
			status.State = BatchAborted
			status.Root = e.state.CurrentRoot()
		default:
			return fmt.Errorf("unknown outcome %d at seq %d", entry.Outcome, entry.Seq)
		}
		e.lastSeq = entry.Seq
		e.statuses[entry.BatchID] = status
		e.statusSeq[entry.Seq] = entry.BatchID
		return nil
	})
}

// SubmitBatch coordinates two-phase commit for a locally originated batch.
// It blocks until the slot resolves; the resulting status (including an
// abort on participant reject) is available via BatchStatus. A round that
// aborts because the bounded vote wait elapsed additionally reports
// ErrConsensusTimeout, with the batch ID still returned for status lookup.
func (e *Engine) SubmitBatch(ctx context.Context, ops []batch.Op) (types.BatchID, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return "", splerrors.ErrClosed
	}
	if e.inflight != nil {
		e.mu.Unlock()
		return "", fmt.Errorf("service %s: %w", e.serviceID, splerrors.ErrBatchInFlight)
	}
	if len(ops) == 0 {
		e.mu.Unlock()
		return "", fmt.Errorf("empty batch: %w", splerrors.ErrInvalidProposal)
	}

	seq := e.lastSeq + 1
	id := batch.ID(e.serviceID, seq, ops)
	cs := e.state.NewChangeSet()
	cs.Apply(ops)

	r := &round{
		role:               roleCoordinator,
		seq:                seq,
		id:                 id,
		ops:                ops,
		coordinator:        e.localNode,
		coordinatorService: e.serviceID,
		cs:                 cs,
		stagedRoot:         cs.Root(),
		votes:              make(map[types.ServiceID]OfferVotePayload, len(e.peers)),
		doneCh:             make(chan decision, 1),
	}
	e.inflight = r
	e.statuses[id] = BatchStatus{ID: id, Seq: seq, State: BatchPending}
	e.statusSeq[seq] = id
	e.mu.Unlock()

	if len(e.peers) == 0 {
		e.resolve(ctx, r, decision{commit: true})
		return id, nil
	}

	offer := OfferPayload{
		Seq:                seq,
		BatchID:            id,
		Coordinator:        e.localNode,
		CoordinatorService: e.serviceID,
		Ops:                ops,
	}
	for _, peer := range e.peers {
		e.send(ctx, peer, transport.KindOffer, offer)
	}

	select {
	case d := <-r.doneCh:
		e.resolve(ctx, r, d)
	case <-time.After(e.timeout):
		e.resolve(ctx, r, decision{
			commit:   false,
			reason:   "timed out waiting for participant votes",
			timedOut: true,
		})
		// A vote racing the timer may still have resolved the round.
		if status, ok := e.BatchStatus(id); ok && status.TimedOut {
			return id, fmt.Errorf("batch %s: %w", id, splerrors.ErrConsensusTimeout)
		}
	case <-ctx.Done():
		e.resolve(ctx, r, decision{commit: false, reason: "submission cancelled"})
	}

	return id, nil
}

// resolve finalizes the in-flight round: appends the durable log record,
// applies or discards the staged changes, advances the sequence, and (as
// coordinator) broadcasts the outcome.
func (e *Engine) resolve(ctx context.Context, r *round, d decision) {
	e.mu.Lock()
	if e.inflight != r {
		e.mu.Unlock()
		return
	}

	if d.commit {
		entry := batchlog.Entry{
			Seq:         r.seq,
			Outcome:     batchlog.OutcomeCommitted,
			BatchID:     r.id,
			Root:        r.stagedRoot,
			TimestampMs: e.nowMs(),
			Ops:         r.ops,
		}
		if err := e.log.Append(entry); err != nil {
			// The durable write failed before anything was applied or
			// announced; the slot aborts instead.
			slog.Error("batch log append failed, aborting batch",
				"circuit", e.circuitID, "service", e.serviceID, "seq", r.seq, "error", err)
			d = decision{commit: false, reason: fmt.Sprintf("storage failure: %v", err)}
		} else {
			if _, _, err := e.state.Commit(r.cs); err != nil {
				e.mu.Unlock()
				// The log already holds the committed record; state is
				// rebuilt from it on restart.
				slog.Error("state commit failed after durable log append",
					"circuit", e.circuitID, "service", e.serviceID, "seq", r.seq, "error", err)
				return
			}
			e.finishLocked(r, BatchStatus{
				ID: r.id, Seq: r.seq, State: BatchCommitted, Root: r.stagedRoot,
			})
			e.mu.Unlock()
			if r.role == roleCoordinator {
				e.broadcastDecision(ctx, r, transport.KindCommit, "")
			}
			e.processHeld(ctx)
			return
		}
	}

	e.state.Discard(r.cs)
	entry := batchlog.Entry{
		Seq:         r.seq,
		Outcome:     batchlog.OutcomeAborted,
		BatchID:     r.id,
		Root:        e.state.CurrentRoot(),
		TimestampMs: e.nowMs(),
	}
	if err := e.log.Append(entry); err != nil {
		e.mu.Unlock()
		slog.Error("failed to log aborted batch",
			"circuit", e.circuitID, "service", e.serviceID, "seq", r.seq, "error", err)
		return
	}
	e.finishLocked(r, BatchStatus{
		ID: r.id, Seq: r.seq, State: BatchAborted,
		Root: e.state.CurrentRoot(), Reason: d.reason, TimedOut: d.timedOut,
	})
	e.mu.Unlock()
	if r.role == roleCoordinator {
		e.broadcastDecision(ctx, r, transport.KindAbort, d.reason)
	}
	e.processHeld(ctx)
}

// finishLocked records the outcome and consumes the sequence slot.
func (e *Engine) finishLocked(r *round, status BatchStatus) {
	e.lastSeq = r.seq
	e.inflight = nil
	e.statuses[r.id] = status
	e.statusSeq[r.seq] = r.id
	slog.Info("batch resolved",
		"circuit", e.circuitID,
		"service", e.serviceID,
		"seq", r.seq,
		"state", status.State,
		"reason", status.Reason)
}

// Handle routes one inbound consensus message for this engine.
func (e *Engine) Handle(ctx context.Context, env transport.Envelope) error {
	switch env.Kind {
	case transport.KindOffer:
		var p OfferPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("malformed offer: %w", err)
		}
		return e.handleOffer(ctx, p)
	case transport.KindOfferVote:
		var p OfferVotePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("malformed offer vote: %w", err)
		}
		return e.handleOfferVote(p)
	case transport.KindCommit:
		var p DecisionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("malformed commit: %w", err)
		}
		return e.handleDecision(ctx, p, true)
	case transport.KindAbort:
		var p DecisionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("malformed abort: %w", err)
		}
		return e.handleDecision(ctx, p, false)
	case transport.KindDecisionRequest:
		var p DecisionRequestPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("malformed decision request: %w", err)
		}
		return e.handleDecisionRequest(ctx, p)
	case transport.KindDecisionResponse:
		var p DecisionResponsePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("malformed decision response: %w", err)
		}
		return e.handleDecisionResponse(ctx, p)
	default:
		return fmt.Errorf("unexpected message kind %q: %w", env.Kind, splerrors.ErrNotFound)
	}
}

// handleOffer validates and speculatively stages an offered batch, then
// votes Accept or Reject back to the coordinator.
func (e *Engine) handleOffer(ctx context.Context, offer OfferPayload) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return splerrors.ErrClosed
	}

	if r := e.inflight; r != nil {
		if r.seq == offer.Seq && r.id == offer.BatchID {
			// Redelivered offer; the vote is already on its way.
			e.mu.Unlock()
			return nil
		}
		prior := *r
		e.mu.Unlock()
		if prior.role == roleParticipant {
			// An accepted batch is unresolved; learn its outcome before
			// taking anything new. Consistency wins over liveness here.
			e.requestDecision(ctx, prior)
		}
		e.sendReject(ctx, offer, "a prior batch is unresolved")
		return fmt.Errorf("offer seq %d while seq %d unresolved: %w",
			offer.Seq, prior.seq, splerrors.ErrBatchInFlight)
	}

	last := e.lastSeq
	switch {
	case offer.Seq <= last:
		e.mu.Unlock()
		e.sendReject(ctx, offer, fmt.Sprintf("sequence %d already consumed", offer.Seq))
		return fmt.Errorf("offer seq %d at lastSeq %d: %w",
			offer.Seq, last, splerrors.ErrSequenceViolation)
	case offer.Seq > last+1:
		// Hold until predecessors resolve; the gap closing releases it.
		e.held.Store(uint64(offer.Seq), offer)
		e.mu.Unlock()
		slog.Warn("holding out-of-order offer",
			"circuit", e.circuitID, "service", e.serviceID,
			"seq", offer.Seq, "expected", last+1)
		return nil
	}

	if batch.ID(offer.CoordinatorService, offer.Seq, offer.Ops) != offer.BatchID {
		e.mu.Unlock()
		e.sendReject(ctx, offer, "batch id does not match contents")
		return fmt.Errorf("batch id mismatch for seq %d: %w", offer.Seq, splerrors.ErrInvalidProposal)
	}
	if len(offer.Ops) == 0 {
		e.mu.Unlock()
		e.sendReject(ctx, offer, "empty batch")
		return fmt.Errorf("empty batch at seq %d: %w", offer.Seq, splerrors.ErrInvalidProposal)
	}

	cs := e.state.NewChangeSet()
	cs.Apply(offer.Ops)
	r := &round{
		role:               roleParticipant,
		seq:                offer.Seq,
		id:                 offer.BatchID,
		ops:                offer.Ops,
		coordinator:        offer.Coordinator,
		coordinatorService: offer.CoordinatorService,
		cs:                 cs,
		stagedRoot:         cs.Root(),
	}
	e.inflight = r
	e.statuses[r.id] = BatchStatus{ID: r.id, Seq: r.seq, State: BatchPending}
	e.statusSeq[r.seq] = r.id
	e.mu.Unlock()

	e.send(ctx, Peer{Node: offer.Coordinator, ServiceID: offer.CoordinatorService},
		transport.KindOfferVote, OfferVotePayload{
			Seq:          offer.Seq,
			BatchID:      offer.BatchID,
			Voter:        e.localNode,
			VoterService: e.serviceID,
			Accept:       true,
			Root:         r.stagedRoot,
		})
	return nil
}

func (e *Engine) sendReject(ctx context.Context, offer OfferPayload, reason string) {
	e.send(ctx, Peer{Node: offer.Coordinator, ServiceID: offer.CoordinatorService},
		transport.KindOfferVote, OfferVotePayload{
			Seq:          offer.Seq,
			BatchID:      offer.BatchID,
			Voter:        e.localNode,
			VoterService: e.serviceID,
			Accept:       false,
			Reason:       reason,
		})
}

// handleOfferVote collects participant replies while coordinating. The
// first Reject (or a root mismatch) decides Abort; the final matching
// Accept decides Commit.
func (e *Engine) handleOfferVote(vote OfferVotePayload) error {
	e.mu.Lock()
	r := e.inflight
	if r == nil || r.role != roleCoordinator || r.seq != vote.Seq || r.id != vote.BatchID {
		e.mu.Unlock()
		slog.Debug("dropping stale offer vote", "seq", vote.Seq, "voter", vote.Voter)
		return nil
	}
	if _, ok := r.votes[vote.VoterService]; ok {
		e.mu.Unlock()
		return nil
	}
	r.votes[vote.VoterService] = vote

	var d *decision
	switch {
	case !vote.Accept:
		d = &decision{commit: false, reason: fmt.Sprintf("%s rejected: %s", vote.VoterService, vote.Reason)}
	case vote.Root != r.stagedRoot:
		d = &decision{commit: false, reason: fmt.Sprintf("state divergence at %s", vote.VoterService)}
	case len(r.votes) == len(e.peers):
		d = &decision{commit: true}
	}
	e.mu.Unlock()

	if d != nil {
		select {
		case r.doneCh <- *d:
		default:
		}
	}
	return nil
}

// handleDecision applies a coordinator's Commit or Abort. An Abort for the
// next slot still consumes it even if this engine never staged the offer,
// keeping all replicas in lockstep.
func (e *Engine) handleDecision(ctx context.Context, p DecisionPayload, commit bool) error {
	e.mu.Lock()
	r := e.inflight
	if r != nil && r.role == roleParticipant && r.seq == p.Seq && r.id == p.BatchID {
		e.mu.Unlock()
		e.resolve(ctx, r, decision{commit: commit, reason: p.Reason})
		return nil
	}

	if p.Seq <= e.lastSeq {
		e.mu.Unlock()
		return nil
	}
	if commit && p.Seq == e.lastSeq+1 && r == nil {
		// The offer for this slot never arrived, so there is nothing
		// staged to apply. Ask the coordinator to replay the committed
		// ops; until it answers this service cannot advance.
		last := e.lastSeq
		e.mu.Unlock()
		slog.Warn("service stalled on unstaged committed slot, requesting replay",
			"circuit", e.circuitID, "service", e.serviceID,
			"seq", p.Seq, "last_seq", last)
		e.send(ctx, Peer{Node: p.Coordinator, ServiceID: p.CoordinatorService},
			transport.KindDecisionRequest, DecisionRequestPayload{
				Seq:     p.Seq,
				Asker:   e.localNode,
				Service: e.serviceID,
			})
		return nil
	}
	if !commit && p.Seq == e.lastSeq+1 && r == nil {
		entry := batchlog.Entry{
			Seq:         p.Seq,
			Outcome:     batchlog.OutcomeAborted,
			BatchID:     p.BatchID,
			Root:        e.state.CurrentRoot(),
			TimestampMs: e.nowMs(),
		}
		if err := e.log.Append(entry); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("failed to log aborted slot %d: %w", p.Seq, err)
		}
		e.lastSeq = p.Seq
		e.statuses[p.BatchID] = BatchStatus{
			ID: p.BatchID, Seq: p.Seq, State: BatchAborted,
			Root: e.state.CurrentRoot(), Reason: p.Reason,
		}
		e.statusSeq[p.Seq] = p.BatchID
		e.mu.Unlock()
		e.processHeld(ctx)
		return nil
	}
	last := e.lastSeq
	e.mu.Unlock()
	return fmt.Errorf("decision for unexpected seq %d (last %d): %w",
		p.Seq, last, splerrors.ErrSequenceViolation)
}

// handleDecisionRequest answers a peer that missed the outcome of a slot.
// Committed slots are answered with the logged ops and root so an asker
// that never staged the offer can catch up.
func (e *Engine) handleDecisionRequest(ctx context.Context, p DecisionRequestPayload) error {
	e.mu.Lock()
	response := DecisionResponsePayload{Seq: p.Seq, State: BatchUnknown}
	if id, ok := e.statusSeq[p.Seq]; ok {
		status := e.statuses[id]
		if status.State == BatchCommitted || status.State == BatchAborted {
			response.BatchID = id
			response.State = status.State
			response.Root = status.Root
			response.Reason = status.Reason
		}
	}
	e.mu.Unlock()

	if response.State == BatchCommitted {
		if err := e.log.Replay(p.Seq, func(entry batchlog.Entry) error {
			if entry.Seq == p.Seq {
				response.Ops = entry.Ops
			}
			return nil
		}); err != nil {
			slog.Warn("failed to read committed ops for decision response",
				"circuit", e.circuitID, "service", e.serviceID, "seq", p.Seq, "error", err)
		}
	}

	e.send(ctx, Peer{Node: p.Asker, ServiceID: p.Service}, transport.KindDecisionResponse, response)
	return nil
}

// handleDecisionResponse resolves a round this engine accepted but never
// heard the outcome of, or closes a gap for a slot whose offer it never
// saw at all when the response carries the committed ops.
func (e *Engine) handleDecisionResponse(ctx context.Context, p DecisionResponsePayload) error {
	e.mu.Lock()
	if r := e.inflight; r != nil && r.role == roleParticipant && r.seq == p.Seq {
		e.mu.Unlock()
		switch p.State {
		case BatchCommitted:
			e.resolve(ctx, r, decision{commit: true})
		case BatchAborted:
			e.resolve(ctx, r, decision{commit: false, reason: p.Reason})
		default:
			// Peer does not know either; keep waiting.
		}
		return nil
	}

	if p.Seq != e.lastSeq+1 || e.inflight != nil {
		e.mu.Unlock()
		return nil
	}

	switch p.State {
	case BatchCommitted:
		if len(p.Ops) == 0 {
			e.mu.Unlock()
			return fmt.Errorf("committed slot %d replayed without ops: %w",
				p.Seq, splerrors.ErrSequenceViolation)
		}
		cs := e.state.NewChangeSet()
		cs.Apply(p.Ops)
		if p.Root != "" && cs.Root() != p.Root {
			e.mu.Unlock()
			e.state.Discard(cs)
			return fmt.Errorf("replayed slot %d root %s does not match announced root %s: %w",
				p.Seq, cs.Root(), p.Root, splerrors.ErrStorageFailure)
		}
		entry := batchlog.Entry{
			Seq:         p.Seq,
			Outcome:     batchlog.OutcomeCommitted,
			BatchID:     p.BatchID,
			Root:        cs.Root(),
			TimestampMs: e.nowMs(),
			Ops:         p.Ops,
		}
		if err := e.log.Append(entry); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("failed to log replayed slot %d: %w", p.Seq, err)
		}
		if _, _, err := e.state.Commit(cs); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("failed to apply replayed slot %d: %w", p.Seq, err)
		}
		e.lastSeq = p.Seq
		e.statuses[p.BatchID] = BatchStatus{
			ID: p.BatchID, Seq: p.Seq, State: BatchCommitted, Root: entry.Root,
		}
		e.statusSeq[p.Seq] = p.BatchID
		e.mu.Unlock()
		slog.Info("missed slot recovered from coordinator replay",
			"circuit", e.circuitID, "service", e.serviceID, "seq", p.Seq)
		e.processHeld(ctx)
		return nil
	case BatchAborted:
		e.mu.Unlock()
		return e.handleDecision(ctx, DecisionPayload{
			Seq: p.Seq, BatchID: p.BatchID, Reason: p.Reason,
		}, false)
	default:
		e.mu.Unlock()
		return nil
	}
}

// requestDecision asks the coordinator of an unresolved round how it ended.
func (e *Engine) requestDecision(ctx context.Context, r round) {
	e.send(ctx, Peer{Node: r.coordinator, ServiceID: r.coordinatorService},
		transport.KindDecisionRequest, DecisionRequestPayload{
			Seq:     r.seq,
			Asker:   e.localNode,
			Service: e.serviceID,
		})
}

// processHeld releases held offers whose predecessors have now resolved.
func (e *Engine) processHeld(ctx context.Context) {
	for {
		e.mu.Lock()
		next := uint64(e.lastSeq + 1)
		offer, ok := e.held.Load(next)
		if !ok || e.inflight != nil || e.stopped {
			e.mu.Unlock()
			return
		}
		e.held.Delete(next)
		e.mu.Unlock()

		if err := e.handleOffer(ctx, offer); err != nil {
			slog.Warn("failed to process held offer",
				"circuit", e.circuitID, "service", e.serviceID,
				"seq", offer.Seq, "error", err)
			return
		}
	}
}

func (e *Engine) broadcastDecision(ctx context.Context, r *round, kind transport.Kind, reason string) {
	payload := DecisionPayload{
		Seq:                r.seq,
		BatchID:            r.id,
		Coordinator:        e.localNode,
		CoordinatorService: e.serviceID,
		Reason:             reason,
	}
	for _, peer := range e.peers {
		e.send(ctx, peer, kind, payload)
	}
}

func (e *Engine) send(ctx context.Context, to Peer, kind transport.Kind, payload any) {
	env, err := transport.NewEnvelope(kind, e.localNode, payload)
	if err != nil {
		slog.Error("failed to build consensus envelope", "kind", kind, "error", err)
		return
	}
	env.CircuitID = e.circuitID
	env.ServiceID = to.ServiceID
	if err := e.transport.Send(ctx, to.Node, env); err != nil {
		slog.Warn("failed to deliver consensus message",
			"kind", kind, "to", to.Node, "circuit", e.circuitID, "error", err)
	}
}

// BatchStatus reports the resolution of a batch by ID.
func (e *Engine) BatchStatus(id types.BatchID) (BatchStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, ok := e.statuses[id]
	return status, ok
}

// GetState reads a key at the latest version, or at a specific committed
// version when one is given.
func (e *Engine) GetState(key types.Key, version *types.Version) (types.Value, error) {
	if version != nil {
		return e.state.GetAt(key, *version)
	}
	return e.state.Get(key)
}

// CurrentRoot exposes the latest state root for out-of-band comparison
// between circuit members.
func (e *Engine) CurrentRoot() types.StateRoot {
	return e.state.CurrentRoot()
}

// LastSeq returns the highest consumed sequence number.
func (e *Engine) LastSeq() types.SeqNum {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeq
}

// Stop closes the engine, retaining all persisted data.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	if err := e.log.Close(); err != nil {
		slog.Warn("failed to close batch log",
			"circuit", e.circuitID, "service", e.serviceID, "error", err)
	}
}
