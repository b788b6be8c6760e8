package internal

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestRegisterCommandFlags(t *testing.T) {
	t.Setenv("TFTPD_TIMEOUT", "250ms")
	t.Setenv("TFTPD_STORAGE", "memory")

	cmd := &cobra.Command{RunE: func(*cobra.Command, []string) error { return nil }}
	require.NoError(t, RegisterCommandFlags(cmd, []*Flag{
		&LogLevelFlag,
		&AddrFlag,
		&RootFlag,
		&StorageFlag,
		&TimeoutFlag,
		&RetriesFlag,
		&ReadTimeoutFlag,
		&MaxTransfersFlag,
		&SessionTTLFlag,
	}))
	cmd.SetArgs([]string{"--retries", "2", "--storage", "dir"})
	require.NoError(t, cmd.Execute())

	require.Equal(t, 250*time.Millisecond, Timeout)
	require.Equal(t, 2, Retries)
	require.Equal(t, "dir", Storage, "command line overrides the environment")
	require.Equal(t, "info", LogLevel)
	require.Equal(t, ":69", Addr)
	require.NoError(t, ValidateEnv())
}

func TestRegisterCommandFlagsBadEnv(t *testing.T) {
	t.Setenv("TFTPD_RETRIES", "many")
	cmd := &cobra.Command{}
	err := RegisterCommandFlags(cmd, []*Flag{&RetriesFlag})
	require.Error(t, err)
	require.Contains(t, err.Error(), "TFTPD_RETRIES")
}

func TestRegisterCommandFlagsBadDefault(t *testing.T) {
	var v int
	err := RegisterCommandFlags(&cobra.Command{}, []*Flag{{Name: "x", Default: "1", Value: &v}})
	require.Error(t, err)
}

func TestDefineFlag(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var d time.Duration
	require.NoError(t, defineFlag(fs, &Flag{Name: "wait", Default: time.Second, Value: &d}))
	require.NoError(t, fs.Parse([]string{"--wait", "3s"}))
	require.Equal(t, 3*time.Second, d)

	var b bool
	require.Error(t, defineFlag(fs, &Flag{Name: "on", Default: true, Value: &b}))
}

func TestValidateEnv(t *testing.T) {
	LogLevel, Addr, Storage = "info", ":69", "memory"
	Timeout, Retries, ReadTimeout = time.Second, 0, time.Second
	MaxTransfers, SessionTTL = 1, time.Minute
	require.NoError(t, ValidateEnv())

	Storage = "s3"
	require.Error(t, ValidateEnv())
	Storage = "dir"

	SessionTTL = time.Millisecond
	require.Error(t, ValidateEnv(), "session ttl must outlive the per-wait timeout")

	Timeout, Retries = time.Second, 4
	SessionTTL = 5 * time.Second
	require.Error(t, ValidateEnv(), "session ttl must outlive every retransmission")
	SessionTTL = 6 * time.Second
	require.NoError(t, ValidateEnv())
}
