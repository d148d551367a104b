package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NotFound("web"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, err, NotFound("web"))
	assert.NotErrorIs(t, err, NotFound("db"))

	pe := InvalidState("web", "RUNNING", "already running")
	assert.Equal(t, `InvalidState: process "web" is RUNNING: already running`, pe.Error())
	assert.Equal(t, "NotFound", (&Error{Kind: KindNotFound}).Error())
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))
	pe := AsError(fmt.Errorf("ctx: %w", ErrResourceExhausted))
	assert.Equal(t, KindResourceExhausted, pe.Kind)
	pe = AsError(errors.New("boom"))
	assert.Equal(t, KindInternal, pe.Kind)
	assert.Equal(t, "boom", pe.Message)
}

func TestDecoderSkipsBlankLinesAndRecovers(t *testing.T) {
	in := "\n{\"id\":1,\"command\":\"ping\"}\nnot json\n{\"id\":2,\"command\":\"status\",\"args\":{\"name\":\"web\"}}\n"
	dec := NewDecoder(strings.NewReader(in))

	var req Request
	require.NoError(t, dec.Next(&req))
	assert.Equal(t, int64(1), req.ID)
	assert.Equal(t, CmdPing, req.Command)

	req = Request{}
	err := dec.Next(&req)
	require.ErrorIs(t, err, ErrProtocol)

	req = Request{}
	require.NoError(t, dec.Next(&req))
	assert.Equal(t, CmdStatus, req.Command)
	var args StatusArgs
	require.NoError(t, DecodeArgs(req, &args))
	assert.Equal(t, "web", args.Name)

	assert.ErrorIs(t, dec.Next(&req), io.EOF)
}

func TestDecoderRejectsOversizedFrame(t *testing.T) {
	big := `{"command":"` + strings.Repeat("x", MaxFrameSize) + `"}` + "\n"
	dec := NewDecoder(strings.NewReader(big))
	var req Request
	err := dec.Next(&req)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestDecodeArgs(t *testing.T) {
	var a NameArgs
	require.NoError(t, DecodeArgs(Request{Command: CmdStart}, &a))
	require.NoError(t, DecodeArgs(Request{Command: CmdStart, Args: json.RawMessage("null")}, &a))
	assert.Empty(t, a.Name)

	err := DecodeArgs(Request{Command: CmdStart, Args: json.RawMessage(`{"name":5}`)}, &a)
	require.ErrorIs(t, err, ErrProtocol)
	assert.Contains(t, err.Error(), "invalid args for start")
}

func TestEncoderConcurrentFramesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = enc.Encode(Response{ID: int64(i), Status: StatusOK, Event: EventOutput, Bytes: bytes.Repeat([]byte{'a'}, 512)})
		}(i)
	}
	wg.Wait()

	dec := NewDecoder(&buf)
	seen := map[int64]bool{}
	for {
		var r Response
		err := dec.Next(&r)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Len(t, r.Bytes, 512)
		seen[r.ID] = true
	}
	assert.Len(t, seen, 50)
}

func TestResponses(t *testing.T) {
	ok := OK(3, TailResult{Name: "web", Stream: "stdout", Bytes: []byte("hi")})
	assert.Equal(t, StatusOK, ok.Status)
	var tr TailResult
	require.NoError(t, json.Unmarshal(ok.Data, &tr))
	assert.Equal(t, []byte("hi"), tr.Bytes)

	assert.Nil(t, OK(4, nil).Data)

	bad := OK(5, func() {})
	assert.Equal(t, StatusError, bad.Status)
	assert.Equal(t, KindInternal, bad.Error.Kind)

	fail := Fail(6, NotFound("web"))
	b, err := json.Marshal(fail)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":6,"status":"error","error":{"kind":"NotFound","message":"unknown process \"web\""}}`, string(b))
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1.5s"`), &d))
	assert.Equal(t, Duration(1500*time.Millisecond), d)
	require.NoError(t, json.Unmarshal([]byte(`2000000000`), &d))
	assert.Equal(t, Duration(2*time.Second), d)
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	b, err := json.Marshal(Duration(250 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"250ms"`, string(b))

	var sa SpecArgs
	require.NoError(t, json.Unmarshal([]byte(`{"name":"w","command":"true","stop_grace":"3s","backoff_initial":100}`), &sa))
	assert.Equal(t, Duration(3*time.Second), sa.StopGrace)
	assert.Equal(t, Duration(100), sa.BackoffInitial)
}
