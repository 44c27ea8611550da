package users

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/andrebq/authbox/credstore"
	"github.com/andrebq/authbox/gate"
	"github.com/andrebq/authbox/internal/cmdflags"
	"github.com/andrebq/authbox/password"
	"github.com/andrebq/authbox/token"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"
)

func Cmd() *cli.Command {
	var store credstore.Store
	var database string
	return &cli.Command{
		Name:  "users",
		Usage: "Operator commands to manage users directly in the database",
		Flags: []cli.Flag{
			cmdflags.Database(&database),
		},
		Before: func(ctx *cli.Context) error {
			var err error
			store, err = credstore.Open(ctx.Context, database)
			if err != nil {
				return err
			}
			if m, ok := store.(credstore.Migrator); ok {
				return m.Migrate(ctx.Context)
			}
			return nil
		},
		After: func(ctx *cli.Context) error {
			if store != nil {
				return store.Close()
			}
			return nil
		},
		Subcommands: []*cli.Command{
			registerCmd(&store),
			promoteCmd(&store),
			listCmd(&store),
		},
	}
}

func operatorGate(store credstore.Store, scheme string, cost int) (*gate.Gate, error) {
	hasher, err := password.New(password.Scheme(scheme), password.WithBcryptCost(cost))
	if err != nil {
		return nil, err
	}
	// operator commands never issue sessions, a throwaway key is enough
	issuer, err := token.NewIssuer([]byte("unused"), token.DefaultAlgorithm)
	if err != nil {
		return nil, err
	}
	return gate.New(store, hasher, issuer, nil)
}

func registerCmd(store *credstore.Store) *cli.Command {
	var username string
	var email string
	var admin bool
	scheme := string(password.Bcrypt)
	cost := bcrypt.DefaultCost
	return &cli.Command{
		Name:  "register",
		Usage: "Register a new user (password is read from stdin)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "username",
				Aliases:     []string{"u", "user"},
				Usage:       "Name of the user to register",
				Destination: &username,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "email",
				Aliases:     []string{"e"},
				Usage:       "Email of the user to register",
				Destination: &email,
				Required:    true,
			},
			&cli.BoolFlag{
				Name:        "admin",
				Usage:       "Promote the user to admin right away",
				Destination: &admin,
			},
			cmdflags.PasswordScheme(&scheme),
			cmdflags.BcryptCost(&cost),
		},
		Action: func(ctx *cli.Context) error {
			sc := bufio.NewScanner(os.Stdin)
			if !sc.Scan() {
				if sc.Err() != nil {
					return sc.Err()
				}
				return errors.New("missing password from stdin")
			}
			passwd := strings.TrimSpace(sc.Text())
			if len(passwd) == 0 {
				return errors.New("missing password from stdin")
			}
			g, err := operatorGate(*store, scheme, cost)
			if err != nil {
				return err
			}
			u, err := g.Register(ctx.Context, username, email, passwd)
			if err != nil {
				return err
			}
			if admin {
				if _, err := g.PromoteToAdmin(ctx.Context, u.ID); err != nil {
					return err
				}
			}
			fmt.Fprintf(ctx.App.Writer, "registered user %v with id %v\n", u.Username, u.ID)
			return nil
		},
	}
}

func promoteCmd(store *credstore.Store) *cli.Command {
	var id int64
	return &cli.Command{
		Name:  "promote",
		Usage: "Give admin rights to a user",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "id",
				Usage:       "Id of the user to promote",
				Destination: &id,
				Required:    true,
			},
		},
		Action: func(ctx *cli.Context) error {
			g, err := operatorGate(*store, string(password.Bcrypt), bcrypt.MinCost)
			if err != nil {
				return err
			}
			res, err := g.PromoteToAdmin(ctx.Context, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(ctx.App.Writer, "user %v: %v\n", id, res)
			return nil
		},
	}
}

func listCmd(store *credstore.Store) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List all users",
		Action: func(ctx *cli.Context) error {
			var users []credstore.User
			err := (*store).ViewTx(ctx.Context, func(c context.Context, tx credstore.Tx) error {
				var err error
				users, err = tx.List(c)
				return err
			})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSERNAME\tEMAIL\tADMIN\tPROVIDER")
			for _, u := range users {
				fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\n", u.ID, u.Username, u.Email, u.IsAdmin, u.Provider)
			}
			return tw.Flush()
		},
	}
}
