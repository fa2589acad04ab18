package launch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeJava(t *testing.T, script string) string {
	path := filepath.Join(t.TempDir(), "java")
	require.Nil(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func TestOptions_Command(t *testing.T) {
	opts := Options{
		Classpath: []string{"a", "b"},
		MainClass: "com.example.Main",
		Args:      []string{"x"},
		Suspend:   true,
	}
	assert.Equal(t, []string{
		"java",
		"-agentlib:jdwp=transport=dt_socket,server=y,address=localhost:0,suspend=y",
		"-cp", "a" + string(os.PathListSeparator) + "b",
		"com.example.Main",
		"x",
	}, opts.Command())

	opts.Suspend = false
	assert.Contains(t, opts.Command()[1], "suspend=n")
}

func TestParseListenAddress(t *testing.T) {
	tests := []struct {
		output string
		addr   string
		ok     bool
	}{
		{"Listening for transport dt_socket at address: 40404\n", "localhost:40404", true},
		{"noise\nListening for transport dt_socket at address: 127.0.0.1:5005\r\n", "127.0.0.1:5005", true},
		{"Listening for transport dt_shmem at address: x", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		addr, ok := ParseListenAddress(tt.output)
		assert.Equal(t, tt.ok, ok, tt.output)
		assert.Equal(t, tt.addr, addr, tt.output)
	}
}

func TestStart_ForwardsOutput(t *testing.T) {
	java := fakeJava(t, `echo "Listening for transport dt_socket at address: 40404"
echo "hello from target"
`)
	p, err := Start(context.Background(), Options{Java: java, MainClass: "Main", Timeout: 5 * time.Second})
	require.Nil(t, err)
	defer p.Close()
	assert.Equal(t, "localhost:40404", p.Address())

	out := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(p.Output())
		out <- string(data)
	}()
	select {
	case s := <-out:
		assert.True(t, strings.Contains(s, "hello from target"), s)
		assert.False(t, strings.Contains(s, "Listening for transport"), s)
	case <-time.After(5 * time.Second):
		t.Fatal("output not closed after exit")
	}
	assert.Nil(t, p.Wait())
}

func TestStart_ExitWithoutAddress(t *testing.T) {
	java := fakeJava(t, "echo 'Error: could not find or load main class'\nexit 1\n")
	_, err := Start(context.Background(), Options{Java: java, MainClass: "Missing", Timeout: 5 * time.Second})
	assert.ErrorIs(t, err, ErrNoListenAddress)
}

func TestStart_Timeout(t *testing.T) {
	java := fakeJava(t, "sleep 5\n")
	_, err := Start(context.Background(), Options{Java: java, Timeout: 100 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
