package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"campuslibrary/internal/backup"
	"campuslibrary/internal/models"
)

// operator is the identity CLI commands act as. Anyone with shell access to
// the store already has full control over it.
var operator = models.Identity{UserID: "operator", Role: models.UserRoleAdmin}

func newSeedCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Merge the seed user directory into the store and list who was added",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.bootstrap()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(result.Added) == 0 {
				fmt.Fprintln(out, "No new users; the store already holds every seed email.")
				return nil
			}
			return printUsers(out, result.Added)
		},
	}
}

func newUserAddCommand(configPath *string) *cobra.Command {
	var (
		username   string
		email      string
		role       string
		department string
	)
	cmd := &cobra.Command{
		Use:   "useradd",
		Short: "Create a user; the password is read from the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			user, err := a.lib.Identity.Create(operator, models.User{
				Username:   username,
				Email:      email,
				Password:   password,
				Role:       models.UserRole(role),
				Department: department,
			})
			if err != nil {
				return err
			}
			return printUsers(cmd.OutOrStdout(), []models.User{*user})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "login email")
	cmd.Flags().StringVar(&role, "role", string(models.UserRoleStudent), "one of admin, librarian, faculty, student, guest")
	cmd.Flags().StringVar(&department, "department", "", "department (students only)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// readPassword prompts twice on a terminal. Piped input supplies the
// password on its first line.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		first, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprint(prompt, "Repeat password: ")
		second, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if string(first) != string(second) {
			return "", errors.New("passwords do not match")
		}
		return strings.TrimSpace(string(first)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func printUsers(w io.Writer, users []models.User) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tROLE\tUSERNAME\tEMAIL\tDEPARTMENT")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.UserID, u.Role, u.Username, u.Email, u.Department)
	}
	return tw.Flush()
}

func newBackupCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export or import a whole-store snapshot",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "export <file>",
			Short: "Write every stored key to a compressed snapshot",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := openApp(*configPath)
				if err != nil {
					return err
				}
				defer a.Close()

				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				snap, err := backup.Export(a.store, f, a.clock.Now())
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d key(s) to %s\n", len(snap.Entries), args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "import <file>",
			Short: "Restore a snapshot, overwriting the keys it contains",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := openApp(*configPath)
				if err != nil {
					return err
				}
				defer a.Close()

				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				snap, err := backup.Import(a.store, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d key(s) from %s\n", len(snap.Entries), args[0])
				return nil
			},
		},
	)
	return cmd
}
