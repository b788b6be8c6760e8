// Package internal holds the process configuration shared by the commands.
//
// Every flag can also be set through its environment variable. A flag given
// on the command line wins over the environment, which wins over the default.
package internal

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Flag describes a command line flag backed by a package variable.
type Flag struct {
	Name    string
	Env     string
	Usage   string
	Default interface{}
	Value   interface{}
}

// Configuration values, populated by flag parsing.
var (
	LogLevel     string
	Addr         string
	Root         string
	Storage      string
	Timeout      time.Duration
	Retries      int
	ReadTimeout  time.Duration
	MaxTransfers int
	SessionTTL   time.Duration
)

// Flag definitions.
var (
	LogLevelFlag = Flag{
		Name:    "log-level",
		Env:     "TFTPD_LOG_LEVEL",
		Usage:   "log level: trace, debug, info, warn or error",
		Default: "info",
		Value:   &LogLevel,
	}
	AddrFlag = Flag{
		Name:    "addr",
		Env:     "TFTPD_ADDR",
		Usage:   "UDP address to listen on",
		Default: ":69",
		Value:   &Addr,
	}
	RootFlag = Flag{
		Name:    "root",
		Env:     "TFTPD_ROOT",
		Usage:   "directory requested filenames are joined to; empty uses them verbatim",
		Default: "",
		Value:   &Root,
	}
	StorageFlag = Flag{
		Name:    "storage",
		Env:     "TFTPD_STORAGE",
		Usage:   "file backend: dir or memory",
		Default: "dir",
		Value:   &Storage,
	}
	TimeoutFlag = Flag{
		Name:    "timeout",
		Env:     "TFTPD_TIMEOUT",
		Usage:   "how long to wait for each ACK or DATA before retransmitting",
		Default: 5 * time.Second,
		Value:   &Timeout,
	}
	RetriesFlag = Flag{
		Name:    "retries",
		Env:     "TFTPD_RETRIES",
		Usage:   "retransmissions of one packet before a transfer is aborted",
		Default: 5,
		Value:   &Retries,
	}
	ReadTimeoutFlag = Flag{
		Name:    "read-timeout",
		Env:     "TFTPD_READ_TIMEOUT",
		Usage:   "receive timeout of the listening socket",
		Default: 5 * time.Second,
		Value:   &ReadTimeout,
	}
	MaxTransfersFlag = Flag{
		Name:    "max-transfers",
		Env:     "TFTPD_MAX_TRANSFERS",
		Usage:   "maximum number of concurrent transfers",
		Default: 64,
		Value:   &MaxTransfers,
	}
	SessionTTLFlag = Flag{
		Name:    "session-ttl",
		Env:     "TFTPD_SESSION_TTL",
		Usage:   "how long an idle transfer stays registered to its client address",
		Default: 2 * time.Minute,
		Value:   &SessionTTL,
	}
)

// RegisterCommandFlags registers flags as persistent flags of cmd and applies
// any value found in their environment variables.
func RegisterCommandFlags(cmd *cobra.Command, flags []*Flag) error {
	fs := cmd.PersistentFlags()
	for _, f := range flags {
		if err := defineFlag(fs, f); err != nil {
			return err
		}
		if f.Env == "" {
			continue
		}
		if env, ok := os.LookupEnv(f.Env); ok {
			if err := fs.Set(f.Name, env); err != nil {
				return errors.Wrapf(err, "parse %s failed", f.Env)
			}
		}
	}
	return nil
}

func defineFlag(fs *pflag.FlagSet, f *Flag) error {
	switch v := f.Value.(type) {
	case *string:
		def, ok := f.Default.(string)
		if !ok {
			return errors.Errorf("flag %s: default %v is not a string", f.Name, f.Default)
		}
		fs.StringVar(v, f.Name, def, f.Usage)
	case *int:
		def, ok := f.Default.(int)
		if !ok {
			return errors.Errorf("flag %s: default %v is not an int", f.Name, f.Default)
		}
		fs.IntVar(v, f.Name, def, f.Usage)
	case *time.Duration:
		def, ok := f.Default.(time.Duration)
		if !ok {
			return errors.Errorf("flag %s: default %v is not a duration", f.Name, f.Default)
		}
		fs.DurationVar(v, f.Name, def, f.Usage)
	default:
		return errors.Errorf("flag %s: unsupported value type %T", f.Name, f.Value)
	}
	return nil
}
