package streamhandler

import (
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birddigital/voicebridge/pkg/telephonypeer"
	"github.com/birddigital/voicebridge/pkg/vad"
)

// fakeEngine reports a confidence fixed by the test, frame by frame.
type fakeEngine struct {
	mu        sync.Mutex
	confSeq   []float32
	idx       int
	speechSeq []bool
}

func (e *fakeEngine) ProcessChunk(_ []byte, _ uint32) (vad.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conf := e.confSeq[e.idx]
	speech := e.speechSeq[e.idx]
	if e.idx < len(e.confSeq)-1 {
		e.idx++
	}
	return vad.Result{IsSpeech: speech, Confidence: conf}, nil
}
func (e *fakeEngine) Reset() error { return nil }
func (e *fakeEngine) Close() error { return nil }

type fakeModel struct {
	mu       sync.Mutex
	appended [][]byte
	commits  int
}

func (m *fakeModel) AppendAudio(pcm16 []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended = append(m.appended, pcm16)
	return nil
}
func (m *fakeModel) CommitAudio() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	return nil
}

type fakeResp struct {
	mu        sync.Mutex
	requested int
	cancelled int
}

func (r *fakeResp) RequestResponse() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requested++
}
func (r *fakeResp) CancelActiveResponse() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled++
}

type fakeTelephony struct {
	mu     sync.Mutex
	opened []string
	chunks []string
	closed []string
}

func (t *fakeTelephony) SendPlayStreamStart(streamID string, format telephonypeer.MediaFormat) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opened = append(t.opened, streamID)
	return nil
}
func (t *fakeTelephony) SendPlayStreamChunk(streamID string, pcm16Base64 string, encoding string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunks = append(t.chunks, streamID)
	return nil
}
func (t *fakeTelephony) SendPlayStreamStop(streamID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = append(t.closed, streamID)
	return nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	caller int
	bot    int
}

func (r *fakeRecorder) AppendCaller(pcm16 []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caller++
}
func (r *fakeRecorder) AppendBot(pcm16 []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bot++
}

func silenceFrame(n int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, n))
}

func newHandler(t *testing.T, engine vad.Engine, model *fakeModel, resp *fakeResp, tel *fakeTelephony, rec *fakeRecorder) *Handler {
	t.Helper()
	sess := vad.NewSession(engine, vad.Config{}, 20)
	cfg := Config{TelephonyRate: 16000, TelephonyEncoding: "pcm16", IngressInactivityMs: 50}
	h := New(cfg, model, resp, tel, rec, sess, zerolog.Nop())
	t.Cleanup(h.Close)
	return h
}

func TestIngressAppendsAndForwardsToRecorder(t *testing.T) {
	engine := &fakeEngine{confSeq: []float32{0}, speechSeq: []bool{false}}
	model := &fakeModel{}
	resp := &fakeResp{}
	tel := &fakeTelephony{}
	rec := &fakeRecorder{}
	h := newHandler(t, engine, model, resp, tel, rec)

	require.NoError(t, h.Ingress(silenceFrame(320)))

	assert.Len(t, model.appended, 1)
	assert.Equal(t, 1, rec.caller)
}

func TestVADStoppedCommitsExactlyOnceAndRequestsResponse(t *testing.T) {
	// Two high frames reach Started, a third is consumed by the
	// Started->Active transition, then three low frames trip Stopped. The
	// minimum-duration guard is disabled because the frames arrive
	// instantaneously here.
	engine := &fakeEngine{
		confSeq:   []float32{0.9, 0.9, 0.9, 0.1, 0.1, 0.1},
		speechSeq: []bool{true, true, true, false, false, false},
	}
	model := &fakeModel{}
	resp := &fakeResp{}
	tel := &fakeTelephony{}
	rec := &fakeRecorder{}
	h := newHandler(t, engine, model, resp, tel, rec)
	h.vadSess = vad.NewSession(engine, vad.Config{MinSpeechDurationMs: -1}, 20)

	for i := 0; i < 6; i++ {
		require.NoError(t, h.Ingress(silenceFrame(320)))
	}

	model.mu.Lock()
	commits := model.commits
	model.mu.Unlock()
	assert.Equal(t, 1, commits, "exactly one commit for the segment")

	resp.mu.Lock()
	requested := resp.requested
	resp.mu.Unlock()
	assert.Equal(t, 1, requested)
}

func TestInactivityTimeoutCommitsPendingAudio(t *testing.T) {
	engine := &fakeEngine{confSeq: []float32{0}, speechSeq: []bool{false}}
	model := &fakeModel{}
	resp := &fakeResp{}
	tel := &fakeTelephony{}
	rec := &fakeRecorder{}
	h := newHandler(t, engine, model, resp, tel, rec)

	require.NoError(t, h.Ingress(silenceFrame(320)))

	assert.Eventually(t, func() bool {
		model.mu.Lock()
		defer model.mu.Unlock()
		return model.commits == 1
	}, time.Second, 5*time.Millisecond)
}

func TestNotifyStreamStopCommitsImmediately(t *testing.T) {
	engine := &fakeEngine{confSeq: []float32{0}, speechSeq: []bool{false}}
	model := &fakeModel{}
	resp := &fakeResp{}
	tel := &fakeTelephony{}
	rec := &fakeRecorder{}
	h := newHandler(t, engine, model, resp, tel, rec)

	require.NoError(t, h.Ingress(silenceFrame(320)))
	h.NotifyStreamStop()

	model.mu.Lock()
	defer model.mu.Unlock()
	assert.Equal(t, 1, model.commits)
}

func TestOnAudioDeltaOpensStreamOnceThenReusesIt(t *testing.T) {
	model := &fakeModel{}
	resp := &fakeResp{}
	tel := &fakeTelephony{}
	rec := &fakeRecorder{}
	h := newHandler(t, &fakeEngine{confSeq: []float32{0}, speechSeq: []bool{false}}, model, resp, tel, rec)

	frame := base64.StdEncoding.EncodeToString(make([]byte, 480))
	require.NoError(t, h.OnAudioDelta("resp_1", frame))
	require.NoError(t, h.OnAudioDelta("resp_1", frame))

	tel.mu.Lock()
	opened := len(tel.opened)
	tel.mu.Unlock()
	assert.Equal(t, 1, opened, "stream opened once for the same response id")

	h.OnAudioDone("resp_1")
	tel.mu.Lock()
	closed := len(tel.closed)
	tel.mu.Unlock()
	assert.Equal(t, 1, closed)
}

func TestOnAudioDeltaReopensOnResponseIDChange(t *testing.T) {
	model := &fakeModel{}
	resp := &fakeResp{}
	tel := &fakeTelephony{}
	rec := &fakeRecorder{}
	h := newHandler(t, &fakeEngine{confSeq: []float32{0}, speechSeq: []bool{false}}, model, resp, tel, rec)

	frame := base64.StdEncoding.EncodeToString(make([]byte, 480))
	require.NoError(t, h.OnAudioDelta("resp_1", frame))
	require.NoError(t, h.OnAudioDelta("resp_2", frame))

	tel.mu.Lock()
	defer tel.mu.Unlock()
	assert.Len(t, tel.opened, 2)
	assert.Len(t, tel.closed, 1, "stale stream for resp_1 closed before resp_2 opens")
}

func TestInterruptEgressClosesOpenStream(t *testing.T) {
	model := &fakeModel{}
	resp := &fakeResp{}
	tel := &fakeTelephony{}
	rec := &fakeRecorder{}
	h := newHandler(t, &fakeEngine{confSeq: []float32{0}, speechSeq: []bool{false}}, model, resp, tel, rec)

	frame := base64.StdEncoding.EncodeToString(make([]byte, 480))
	require.NoError(t, h.OnAudioDelta("resp_1", frame))

	h.InterruptEgress()

	tel.mu.Lock()
	defer tel.mu.Unlock()
	assert.Len(t, tel.closed, 1)
}
