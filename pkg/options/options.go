package options

import (
	"fmt"
	"net"

	"github.com/spf13/pflag"
)

// IOptions defines methods to implement a generic options group.
type IOptions interface {
	// Validate validates all the required options.
	Validate() []error

	// AddFlags adds flags related to the given options group to the
	// specified FlagSet.
	AddFlags(fs *pflag.FlagSet, prefixes ...string)
}

// ValidateAddress takes an address as a string and validates it.
func ValidateAddress(addr string) error {
	if host, port, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%q is not in a valid format (host:port): %w", addr, err)
	} else if host != "" && net.ParseIP(host) == nil {
		if _, lookupErr := net.LookupHost(host); lookupErr != nil {
			return fmt.Errorf("address %q contains an invalid host: %w", addr, lookupErr)
		}
	} else if port == "" {
		return fmt.Errorf("address %q does not contain a port", addr)
	}

	return nil
}
