package ember

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/superdash/superdash/internal/domain"
	"github.com/superdash/superdash/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeTCPPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return port
}

func testDevices() []domain.DeviceState {
	return []domain.DeviceState{
		{
			ID:       7,
			Name:     "Deck A",
			Type:     domain.DeviceTypeHyperDeck,
			State:    domain.TransportStateStop,
			Timecode: domain.InitialTimecode,
		},
		{
			ID:       12,
			Name:     "Mix 1",
			Type:     domain.DeviceTypeVMix,
			State:    domain.TransportStateOffline,
			Timecode: domain.InitialTimecode,
		},
	}
}

func startTestProvider(t *testing.T) *Provider {
	t.Helper()

	p := NewProvider(Params{
		Port:      freeTCPPort(t),
		Interface: "127.0.0.1",
		Logger:    testhelpers.NewTestLogger(t),
	})
	require.NoError(t, p.Start(testDevices()))
	t.Cleanup(p.Stop)

	return p
}

func dialProvider(t *testing.T, p *Provider) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p.Port())), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

// readFrames collects n complete frames from the connection.
func readFrames(t *testing.T, conn net.Conn, scanner *frameScanner, n int) [][]byte {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var frames [][]byte
	buf := make([]byte, 4096)
	for len(frames) < n {
		read, err := conn.Read(buf)
		require.NoError(t, err)
		frames = append(frames, scanner.feed(buf[:read])...)
	}

	return frames
}

// glowPayload decodes one frame and parses its Glow payload.
func glowPayload(t *testing.T, frame []byte) []berNode {
	t.Helper()

	cmd, payload, err := decodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, byte(cmdEmber), cmd)

	nodes, err := parseBER(payload)
	require.NoError(t, err)

	return nodes
}

// collectStrings gathers every UTF8String value in the parsed tree.
func collectStrings(nodes []berNode) []string {
	var out []string
	for _, n := range nodes {
		if n.tag == berTagUTF8String {
			out = append(out, string(n.value))
		}
		out = append(out, collectStrings(n.children)...)
	}

	return out
}

// qualifiedValue extracts the path and raw value node of the first
// QualifiedParameter in the tree.
func qualifiedValue(t *testing.T, nodes []berNode) ([]int, berNode) {
	t.Helper()

	var found *berNode
	var walk func([]berNode)
	walk = func(nodes []berNode) {
		for i, n := range nodes {
			if n.tag == berApplicationTag(glowTagQualifiedParameter) && found == nil {
				found = &nodes[i]
				return
			}
			walk(n.children)
		}
	}
	walk(nodes)
	require.NotNil(t, found, "no QualifiedParameter in message")

	pathNode, ok := found.contextChild(0)
	require.True(t, ok)
	require.NotEmpty(t, pathNode.children)
	path, err := pathNode.children[0].relativeOID()
	require.NoError(t, err)

	contents, ok := found.contextChild(1)
	require.True(t, ok)
	require.NotEmpty(t, contents.children)
	set := contents.children[0]
	valueNode, ok := set.contextChild(contentsValue)
	require.True(t, ok)
	require.NotEmpty(t, valueNode.children)

	return path, valueNode.children[0]
}

func sendGetDirectory(t *testing.T, conn net.Conn) {
	t.Helper()

	cmd := berContainer(berApplicationTag(glowTagCommand),
		berContainer(berContextTag(0), encodeInteger(glowCmdGetDirectory)))
	_, err := conn.Write(encodeFrame(cmdEmber, encodeRoot(cmd)))
	require.NoError(t, err)
}

func TestProviderGetDirectory(t *testing.T) {
	p := startTestProvider(t)
	conn := dialProvider(t, p)

	sendGetDirectory(t, conn)

	var scanner frameScanner
	frames := readFrames(t, conn, &scanner, 1)
	nodes := glowPayload(t, frames[0])

	strs := collectStrings(nodes)
	assert.Contains(t, strs, "SuperDash")
	assert.Contains(t, strs, "device7")
	assert.Contains(t, strs, "device12")
	assert.Contains(t, strs, "Deck A")
	assert.Contains(t, strs, stateEnum)
	assert.Contains(t, strs, treeVersion)
}

func TestProviderKeepalive(t *testing.T) {
	p := startTestProvider(t)
	conn := dialProvider(t, p)

	_, err := conn.Write(encodeFrame(cmdKeepaliveRequest, nil))
	require.NoError(t, err)

	var scanner frameScanner
	frames := readFrames(t, conn, &scanner, 1)

	cmd, _, err := decodeFrame(frames[0])
	require.NoError(t, err)
	assert.Equal(t, byte(cmdKeepaliveResponse), cmd)
}

func TestProviderPushesUpdates(t *testing.T) {
	p := startTestProvider(t)
	conn := dialProvider(t, p)

	// Subscribe so the provider counts the connection, then push a change.
	sendGetDirectory(t, conn)
	var scanner frameScanner
	readFrames(t, conn, &scanner, 1)

	p.UpdateDevice(domain.DeviceState{
		ID:       7,
		Type:     domain.DeviceTypeHyperDeck,
		State:    domain.TransportStatePlay,
		Timecode: "00:00:01:00",
	})

	// Two parameters changed: state and timecode.
	frames := readFrames(t, conn, &scanner, 2)

	values := map[int]berNode{}
	for _, frame := range frames {
		path, value := qualifiedValue(t, glowPayload(t, frame))
		require.Equal(t, []int{1, 2, 7, path[3]}, path)
		values[path[3]] = value
	}

	state, ok := values[numDeviceState]
	require.True(t, ok, "no state update")
	v, err := state.integer()
	require.NoError(t, err)
	assert.Equal(t, int64(1), v) // play

	tc, ok := values[numDeviceTimecode]
	require.True(t, ok, "no timecode update")
	assert.Equal(t, "00:00:01:00", string(tc.value))
}

func TestProviderRejectsWrites(t *testing.T) {
	p := startTestProvider(t)
	conn := dialProvider(t, p)

	// Attempt to set device 7's state to rec.
	qp := berContainer(berApplicationTag(glowTagQualifiedParameter),
		berContainer(berContextTag(0), encodeRelativeOID([]int{1, 2, 7, 1})),
		berContainer(berContextTag(1), berContainer(berTagSet,
			berContainer(berContextTag(contentsValue), encodeInteger(2)))),
	)
	_, err := conn.Write(encodeFrame(cmdEmber, encodeRoot(qp)))
	require.NoError(t, err)

	// The provider re-asserts the current value, stop.
	var scanner frameScanner
	frames := readFrames(t, conn, &scanner, 1)
	path, value := qualifiedValue(t, glowPayload(t, frames[0]))

	assert.Equal(t, []int{1, 2, 7, 1}, path)
	v, err := value.integer()
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestProviderLifecycle(t *testing.T) {
	p := startTestProvider(t)

	require.NoError(t, p.Start(testDevices())) // starting twice is equivalent to once
	assert.True(t, p.Status().Running)
	assert.True(t, p.Status().Enabled)

	p.Stop()
	p.Stop() // stopping twice is a no-op
	assert.False(t, p.Status().Running)
}
