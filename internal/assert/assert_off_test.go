//go:build !hphadebug

package assert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Assert_CompiledOut(t *testing.T) {
	require.False(t, Enabled)
	require.NotPanics(t, func() { That(false, "ignored") })
}
