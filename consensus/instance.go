package consensus

import (
	"sync"

	"github.com/pkg/errors"
	tmbits "github.com/tendermint/tendermint/libs/bits"

	"github.com/shardrep/dsnode/consensus/bitmap"
	"github.com/shardrep/dsnode/consensus/quorum"
	"github.com/shardrep/dsnode/core/types"
	"github.com/shardrep/dsnode/crypto"
)

// Transport is the narrow send-side capability an Instance needs: broadcast
// to the whole committee, or unicast back to the leader. Concrete instances
// are handed a transport backed by the p2p package's MessageSink/Host, kept
// separate here so the state machine is testable without a network.
type Transport interface {
	Broadcast(Message) error
	SendToLeader(Message) error
}

// Callbacks parameterizes one Instance for whichever higher-level operation
// it is running (DS-block, sharding, microblock, finalblock, view-change),
// per spec.md section 4.4's `validatorFn`/`announcementGenFn`/`commitFailureFn`.
type Callbacks struct {
	// Validate is called by backups against the leader's announcement.
	Validate func(announcement []byte) ErrorKind
	// GenerateAnnouncement is called once by the leader to produce the
	// announcement payload.
	GenerateAnnouncement func() []byte
	// CommitFailure is notified when a backup's validator rejects the
	// announcement, carrying the reason (spec.md section 4.4 error table).
	CommitFailure func(ErrorKind)
}

// Result is what an Instance resolves with once its round reaches Done or
// Error.
type Result struct {
	CoSigs types.CoSignatures
	Err    error
}

type roundState struct {
	secret     [32]byte
	commitment [33]byte
	commits    map[uint16][33]byte
	aggCommit  [33]byte
	bitmap     *tmbits.BitArray
	challenge  [32]byte
	responses  map[uint16][32]byte
	cosig      types.CoSignature

	commitsAggregated   bool
	responsesAggregated bool
}

func newRoundState() *roundState {
	return &roundState{
		commits:   make(map[uint16][33]byte),
		responses: make(map[uint16][32]byte),
	}
}

// Instance runs a single (kind, consensusId) round of the 4-phase protocol.
type Instance struct {
	mu sync.Mutex

	kind        Kind
	consensusID uint32
	blockHash   types.Hash

	selfID    uint16
	leaderID  uint16
	role      Role
	committee []types.Member // index == wire id
	priv      types.PrivateKey
	pub       types.PublicKey

	threshold int
	state     State

	announcement []byte
	r1, r2       *roundState

	transport Transport
	callbacks Callbacks

	resultCh chan Result
	resolved bool
}

// NewInstance builds a consensus round. committee order fixes the wire id ->
// member mapping (selfID/leaderID index into committee).
func NewInstance(kind Kind, consensusID uint32, blockHash types.Hash, self types.KeyPair, selfID, leaderID uint16, committee []types.Member, transport Transport, callbacks Callbacks) *Instance {
	role := RoleBackup
	if selfID == leaderID {
		role = RoleLeader
	}
	return &Instance{
		kind:        kind,
		consensusID: consensusID,
		blockHash:   blockHash,
		selfID:      selfID,
		leaderID:    leaderID,
		role:        role,
		committee:   committee,
		priv:        self.Private,
		pub:         self.Public,
		threshold:   quorum.Threshold(len(committee)),
		state:       StateInitial,
		r1:          newRoundState(),
		r2:          newRoundState(),
		transport:   transport,
		callbacks:   callbacks,
		resultCh:    make(chan Result, 1),
	}
}

// Kind returns the operation this instance is running for.
func (in *Instance) Kind() Kind { return in.kind }

// ConsensusID returns the round's consensusId.
func (in *Instance) ConsensusID() uint32 { return in.consensusID }

// Done returns a channel that receives exactly once, when the round
// finishes (success or error).
func (in *Instance) Done() <-chan Result { return in.resultCh }

// Start kicks off the round. Only the leader does anything here; backups
// simply wait for an Announce message.
func (in *Instance) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.role != RoleLeader {
		return nil
	}
	in.announcement = in.callbacks.GenerateAnnouncement()
	msg := Message{
		Kind:         in.kind,
		Phase:        PhaseAnnounce,
		ConsensusID:  in.consensusID,
		BlockHash:    in.blockHash,
		SenderID:     in.selfID,
		Announcement: in.announcement,
	}
	if err := in.transport.Broadcast(msg); err != nil {
		return errors.Wrap(err, "broadcast announce")
	}
	// The leader also participates as a committer: fold its own round-1
	// commit in directly rather than looping it back over the wire.
	return in.localCommit(1)
}

// HandleMessage dispatches a single wire message into the state machine.
// Callers (the ordering Engine) are responsible for routing by
// (kind, consensusId) and for discarding/buffering out-of-phase messages;
// HandleMessage assumes msg.ConsensusID already matches this instance.
func (in *Instance) HandleMessage(msg Message) error {
	switch msg.Phase {
	case PhaseAnnounce:
		return in.onAnnounce(msg)
	case PhaseCommit1:
		return in.onCommit(msg, 1)
	case PhaseChallenge1:
		return in.onChallenge(msg, 1)
	case PhaseResponse1:
		return in.onResponse(msg, 1)
	case PhaseCollective1:
		return in.onCollective(msg, 1)
	case PhaseCommit2:
		return in.onCommit(msg, 2)
	case PhaseChallenge2:
		return in.onChallenge(msg, 2)
	case PhaseResponse2:
		return in.onResponse(msg, 2)
	case PhaseCollective2:
		return in.onCollective(msg, 2)
	default:
		return errors.Errorf("consensus: unknown phase %d", msg.Phase)
	}
}

func (in *Instance) round(n int) *roundState {
	if n == 1 {
		return in.r1
	}
	return in.r2
}

// payload computes the canonical cosig payload for round n: header alone
// for cosig1, header||cosig1||B1 for cosig2 (spec.md section 4.4).
func (in *Instance) payload(n int) []byte {
	buf := append([]byte{}, in.blockHash[:]...)
	buf = append(buf, in.announcement...)
	if n == 1 {
		return buf
	}
	buf = append(buf, in.r1.cosig.Challenge[:]...)
	buf = append(buf, in.r1.cosig.Response[:]...)
	buf = append(buf, types.EncodeBitmap(in.r1.cosig.Bitmap)...)
	return buf
}

// onAnnounce: backup receives the leader's proposal and emits its round-1
// commit.
func (in *Instance) onAnnounce(msg Message) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.role != RoleBackup || in.state != StateInitial {
		return nil
	}
	in.announcement = msg.Announcement
	if res := in.callbacks.Validate(in.announcement); res != ErrNone {
		if in.callbacks.CommitFailure != nil {
			in.callbacks.CommitFailure(res)
		}
		in.failLocked(errors.Errorf("consensus: announcement rejected: %s", res))
		return nil
	}
	in.state = StateAnnouncementReceived
	return in.commitAndSendLocked(1)
}

// localCommit lets the leader fold its own commit in without a wire round
// trip.
func (in *Instance) localCommit(round int) error {
	return in.commitAndSendLocked(round)
}

func (in *Instance) commitAndSendLocked(round int) error {
	secret, commitment, err := crypto.RandomScalarCommitment()
	if err != nil {
		return errors.Wrap(err, "generate commitment")
	}
	r := in.round(round)
	r.secret = secret
	r.commitment = commitment
	r.commits[in.selfID] = commitment

	if round == 1 {
		in.state = StateCommitSent1
	} else {
		in.state = StateCommitSent2
	}

	if in.role == RoleLeader {
		return in.tryAggregateCommitsLocked(round)
	}
	phase := PhaseCommit1
	if round == 2 {
		phase = PhaseCommit2
	}
	msg := Message{
		Kind:        in.kind,
		Phase:       phase,
		ConsensusID: in.consensusID,
		BlockHash:   in.blockHash,
		SenderID:    in.selfID,
		Commitment:  commitment,
	}
	return in.transport.SendToLeader(msg)
}

// onCommit: leader-only, accumulates commits for round n.
func (in *Instance) onCommit(msg Message, round int) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.role != RoleLeader {
		return nil
	}
	r := in.round(round)
	if r.commitsAggregated {
		return nil // challenge already issued to the aggregated subset
	}
	if _, ok := r.commits[msg.SenderID]; ok {
		return nil // already counted
	}
	r.commits[msg.SenderID] = msg.Commitment
	return in.tryAggregateCommitsLocked(round)
}

func (in *Instance) tryAggregateCommitsLocked(round int) error {
	r := in.round(round)
	if r.commitsAggregated || len(r.commits) < in.threshold {
		return nil
	}
	r.commitsAggregated = true
	ids := make([]uint16, 0, len(r.commits))
	commitments := make([][33]byte, 0, len(r.commits))
	for id, c := range r.commits {
		ids = append(ids, id)
		commitments = append(commitments, c)
	}
	aggCommit, err := crypto.AggregateCommitments(commitments)
	if err != nil {
		return errors.Wrap(err, "aggregate commitments")
	}
	signerBitmap := bitmap.New(len(in.committee))
	for _, id := range ids {
		bitmap.Set(signerBitmap, int(id))
	}
	pubKeys := make([]types.PublicKey, 0, len(ids))
	for _, id := range ids {
		pubKeys = append(pubKeys, in.committee[id].PubKey)
	}
	aggPub, err := crypto.AggregatePublicKeys(pubKeys)
	if err != nil {
		return errors.Wrap(err, "aggregate pubkeys")
	}
	challenge := crypto.ChallengeHash(aggCommit, aggPub, in.payload(round))

	r.aggCommit = aggCommit
	r.bitmap = signerBitmap
	r.challenge = challenge

	if round == 1 {
		in.state = StateChallenged1
	} else {
		in.state = StateChallenged2
	}

	phase := PhaseChallenge1
	if round == 2 {
		phase = PhaseChallenge2
	}
	bm := types.EncodeBitmap(signerBitmap)
	msg := Message{
		Kind:            in.kind,
		Phase:           phase,
		ConsensusID:     in.consensusID,
		BlockHash:       in.blockHash,
		SenderID:        in.selfID,
		Challenge:       challenge,
		AggregateCommit: aggCommit,
		Bitmap:          bm,
	}
	if err := in.transport.Broadcast(msg); err != nil {
		return errors.Wrap(err, "broadcast challenge")
	}
	// Leader responds to its own challenge the same way a backup would.
	return in.respondLocked(round, challenge)
}

// onChallenge: backup computes and sends its response scalar.
func (in *Instance) onChallenge(msg Message, round int) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.role != RoleBackup {
		return nil
	}
	r := in.round(round)
	if _, counted := r.commits[in.selfID]; !counted {
		return nil // we were not part of the committing subset this round
	}
	r.aggCommit = msg.AggregateCommit
	r.challenge = msg.Challenge
	if round == 1 {
		in.state = StateChallenged1
	} else {
		in.state = StateChallenged2
	}
	return in.respondLocked(round, msg.Challenge)
}

func (in *Instance) respondLocked(round int, challenge [32]byte) error {
	r := in.round(round)
	response := crypto.ComputeResponse(r.secret, challenge, in.priv)
	r.responses[in.selfID] = response

	if round == 1 {
		in.state = StateResponseSent1
	} else {
		in.state = StateResponseSent2
	}

	if in.role == RoleLeader {
		return in.tryAggregateResponsesLocked(round)
	}
	phase := PhaseResponse1
	if round == 2 {
		phase = PhaseResponse2
	}
	msg := Message{
		Kind:        in.kind,
		Phase:       phase,
		ConsensusID: in.consensusID,
		BlockHash:   in.blockHash,
		SenderID:    in.selfID,
		Response:    response,
	}
	return in.transport.SendToLeader(msg)
}

// onResponse: leader-only, accumulates responses for round n.
func (in *Instance) onResponse(msg Message, round int) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.role != RoleLeader {
		return nil
	}
	r := in.round(round)
	if _, counted := r.commits[msg.SenderID]; !counted {
		return nil
	}
	r.responses[msg.SenderID] = msg.Response
	return in.tryAggregateResponsesLocked(round)
}

func (in *Instance) tryAggregateResponsesLocked(round int) error {
	r := in.round(round)
	if r.responsesAggregated || len(r.responses) < len(r.commits) {
		return nil
	}
	r.responsesAggregated = true
	responses := make([][32]byte, 0, len(r.responses))
	for _, resp := range r.responses {
		responses = append(responses, resp)
	}
	s := crypto.AggregateResponses(responses)
	cosig := types.CoSignature{Challenge: r.challenge, Response: s, Bitmap: r.bitmap}
	r.cosig = cosig

	if round == 1 {
		in.state = StateCollective1
	} else {
		in.state = StateCollective2
	}

	phase := PhaseCollective1
	if round == 2 {
		phase = PhaseCollective2
	}
	msg := Message{
		Kind:        in.kind,
		Phase:       phase,
		ConsensusID: in.consensusID,
		BlockHash:   in.blockHash,
		SenderID:    in.selfID,
		CoSig:       cosig,
	}
	if err := in.transport.Broadcast(msg); err != nil {
		return errors.Wrap(err, "broadcast collective")
	}
	return in.onCollectiveLocked(cosig, round)
}

// onCollective: backup verifies a finished cosig and, for round 1, proceeds
// into round 2; for round 2, finalizes the instance.
func (in *Instance) onCollective(msg Message, round int) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.role != RoleBackup {
		return nil
	}
	return in.onCollectiveLocked(msg.CoSig, round)
}

func (in *Instance) onCollectiveLocked(cosig types.CoSignature, round int) error {
	r := in.round(round)
	r.cosig = cosig

	ok, err := in.verifyCoSigLocked(cosig, round)
	if err != nil {
		in.failLocked(errors.Wrap(err, "verify cosig"))
		return nil
	}
	if !ok {
		in.failLocked(errors.New("consensus: cosig verification failed"))
		return nil
	}

	if round == 1 {
		in.state = StateCollective1
		return in.commitAndSendLocked(2)
	}

	in.state = StateDone
	in.resolveLocked(Result{CoSigs: types.CoSignatures{CS1: in.r1.cosig, CS2: in.r2.cosig}})
	return nil
}

// verifyCoSigLocked checks a cosig's aggregated response against the
// per-member verification equation, folded over every bit set in the
// bitmap (spec.md section 4.4's threshold + Schnorr verification rule).
func (in *Instance) verifyCoSigLocked(cosig types.CoSignature, round int) (bool, error) {
	if cosig.Bitmap == nil || cosig.PopCount() < in.threshold {
		return false, nil
	}
	positions := bitmap.Positions(cosig.Bitmap)
	pubKeys := make([]types.PublicKey, 0, len(positions))
	for _, idx := range positions {
		if idx >= len(in.committee) {
			return false, errors.New("bitmap index out of range")
		}
		pubKeys = append(pubKeys, in.committee[idx].PubKey)
	}
	aggPub, err := crypto.AggregatePublicKeys(pubKeys)
	if err != nil {
		return false, err
	}
	r := in.round(round)
	expected := crypto.ChallengeHash(r.aggCommit, aggPub, in.payload(round))
	if !types.HashEqual(expected, cosig.Challenge) {
		return false, nil
	}
	return crypto.VerifyResponse(aggPub, r.aggCommit, expected, cosig.Response)
}

func (in *Instance) failLocked(err error) {
	in.state = StateError
	in.resolveLocked(Result{Err: err})
}

func (in *Instance) resolveLocked(res Result) {
	if in.resolved {
		return
	}
	in.resolved = true
	in.resultCh <- res
}

// State returns the instance's current phase, for diagnostics/tests.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}
