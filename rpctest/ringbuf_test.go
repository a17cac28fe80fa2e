package rpctest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLineRing(t *testing.T) {
	r := newLineRing(3)
	require.Empty(t, r.Lines())

	fmt.Fprint(r, "one\ntwo\n")
	require.Equal(t, []string{"one", "two"}, r.Lines())

	// A partial line shows up before it is terminated.
	fmt.Fprint(r, "thr")
	require.Equal(t, []string{"one", "two", "thr"}, r.Lines())

	fmt.Fprint(r, "ee\r\nfour\nfive\n")
	require.Equal(t, []string{"three", "four", "five"}, r.Lines())
	require.Equal(t, []string{"four", "five"}, r.Tail(2))
	require.Equal(t, []string{"three", "four", "five"}, r.Tail(10))
	require.Equal(t, "three\nfour\nfive", r.String())
}

func TestLineRingWrapsMany(t *testing.T) {
	r := newLineRing(outputLines)
	for i := 0; i < 3*outputLines+7; i++ {
		fmt.Fprintf(r, "line %d\n", i)
	}

	lines := r.Lines()
	require.Len(t, lines, outputLines)
	require.Equal(t, fmt.Sprintf("line %d", 2*outputLines+7), lines[0])
	require.Equal(t, fmt.Sprintf("line %d", 3*outputLines+6),
		lines[len(lines)-1])
}
