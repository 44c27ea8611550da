package token

import (
	"fmt"
	"os"
)

const (
	SecretEnvVar = "AUTHBOX_SECRET"
)

// SecretFromEnv reads the signing secret from varname and clears the
// variable, so processes started later do not inherit it.
func SecretFromEnv(varname string, getfn func(string) string, setfn func(string, string) error) ([]byte, error) {
	if getfn == nil {
		getfn = os.Getenv
	}
	if setfn == nil {
		setfn = os.Setenv
	}
	val := getfn(varname)
	setfn(varname, "")
	if len(val) == 0 {
		return nil, fmt.Errorf("token: environment variable %v is empty or not set", varname)
	}
	return []byte(val), nil
}
