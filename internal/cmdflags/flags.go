package cmdflags

import (
	"github.com/andrebq/authbox/token"
	"github.com/urfave/cli/v2"
)

const (
	DefaultDatabase = "authbox.db"
)

func Database(out *string) cli.Flag {
	if len(*out) == 0 {
		*out = DefaultDatabase
	}
	return &cli.StringFlag{
		Name:        "database",
		Aliases:     []string{"db", "d"},
		Usage:       "Path to a sqlite database, a postgres:// url or memory:",
		EnvVars:     []string{"AUTHBOX_DATABASE"},
		Destination: out,
		Value:       *out,
	}
}

func SecretEnvVar(out *string) cli.Flag {
	if len(*out) == 0 {
		*out = token.SecretEnvVar
	}
	return &cli.StringFlag{
		Name:        "secret-envvar-name",
		Usage:       "Name of the environment variable that holds the token signing secret. The secret itself should not be passed as an argument",
		Value:       *out,
		Destination: out,
	}
}

func BcryptCost(out *int) cli.Flag {
	return &cli.IntFlag{
		Name:        "bcrypt-cost",
		Usage:       "Cost used when hashing passwords with bcrypt",
		EnvVars:     []string{"AUTHBOX_BCRYPT_COST"},
		Value:       *out,
		Destination: out,
	}
}

func PasswordScheme(out *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "password-scheme",
		Usage:       "Scheme used to hash new passwords (bcrypt or argon2id), existing hashes keep working",
		EnvVars:     []string{"AUTHBOX_PASSWORD_SCHEME"},
		Value:       *out,
		Destination: out,
	}
}
