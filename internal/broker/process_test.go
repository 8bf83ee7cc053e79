package broker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokererr "framebroker/internal/errors"
	"framebroker/internal/registry"
)

// consumerProcessEnv carries the segment directory to the child process
// started by TestConsumerInSeparateProcess.
const consumerProcessEnv = "FRAMEBROKER_CONSUMER_PROCESS_DIR"

// TestConsumerProcess is the body of the child process. It reads one frame,
// checks that the producer role is locked, reports "ready" and stays
// attached until its stdin is closed.
func TestConsumerProcess(t *testing.T) {
	dir := os.Getenv(consumerProcessEnv)
	if dir == "" {
		t.Skip("only runs as a child of TestConsumerInSeparateProcess")
	}

	c, err := Attach(testOptions(dir, RoleConsumer, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := c.WaitNext(ctx)
	require.NoError(t, err)
	fmt.Printf("frame %d %d\n", v.FrameID, v.Pixels[0])
	require.NoError(t, c.Release(v))

	_, err = Attach(testOptions(dir, RoleProducer, 2))
	if brokererr.Is(err, brokererr.ErrProducerBusy) {
		fmt.Println("producer busy")
	}

	fmt.Println("ready")
	io.Copy(io.Discard, os.Stdin)
	require.NoError(t, c.Detach())
}

func TestConsumerInSeparateProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a child process")
	}

	dir := t.TempDir()
	p := attach(t, testOptions(dir, RoleProducer, 1))
	publishFill(t, p, 42)

	cmd := exec.Command(os.Args[0], "-test.run=^TestConsumerProcess$")
	cmd.Env = append(os.Environ(), consumerProcessEnv+"="+dir)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { cmd.Process.Kill() })

	var lines []string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "ready" {
			break
		}
		lines = append(lines, line)
	}
	require.Contains(t, lines, "frame 0 42")
	assert.Contains(t, lines, "producer busy", "the producer lock holds across processes")

	consumer := func() registry.Entry {
		st, err := p.Stats()
		require.NoError(t, err)
		for _, e := range st.Consumers {
			if e.ID == 1 {
				return e
			}
		}
		t.Fatal("consumer 1 is not registered")
		return registry.Entry{}
	}

	e := consumer()
	assert.Equal(t, "active", e.State)
	assert.Equal(t, cmd.Process.Pid, e.PID)
	assert.NotEqual(t, os.Getpid(), e.PID)
	assert.EqualValues(t, 1, e.Opened)
	assert.Equal(t, -1, e.ActiveSlot)
	assert.WithinDuration(t, time.Now(), e.Heartbeat, 5*time.Second)
	require.NotNil(t, e.LastSeen)
	assert.EqualValues(t, 0, *e.LastSeen)

	require.NoError(t, stdin.Close())
	io.Copy(io.Discard, stdout)
	require.NoError(t, cmd.Wait())

	e = consumer()
	assert.Equal(t, "detached", e.State)
	assert.Zero(t, e.PID)

	st, err := p.Stats()
	require.NoError(t, err)
	for _, slot := range st.Slots {
		assert.Zero(t, slot.Readers, "slot %d", slot.Index)
	}
}
