//go:build integrate

package receipt

import (
	"context"
	"flag"
	"os"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

var secret = flag.String("secret", "", "app shared secret")

// Needs a real sandbox receipt in testdata and the shared secret:
//
//	go test -tags integrate -secret <secret> ./receipt
func TestValidateSandboxReceipt(t *testing.T) {
	blob, err := os.ReadFile("testdata/receipt.b64")
	require.NoError(t, err)

	s := Service{
		Sandbox: true,
		Secret:  *secret,
	}

	out, err := s.Validate(context.Background(), blob)
	require.NoError(t, err)

	spew.Dump(out)
}
