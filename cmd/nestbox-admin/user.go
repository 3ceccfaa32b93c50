package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"nestbox/internal/database"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const minPasswordLength = 6

func (a *admin) userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <name>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runUserAdd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "passwd <name>",
		Short: "Set a user's password and end their sessions",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runUserPasswd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE:  a.runUserList,
	})
	return cmd
}

func (a *admin) runUserAdd(cmd *cobra.Command, args []string) error {
	username := strings.TrimSpace(args[0])
	if username == "" {
		return errors.New("username must not be empty")
	}

	password, err := promptNewPassword(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
	defer cancel()

	users, err := a.openUsers(ctx)
	if err != nil {
		return err
	}
	defer closeStore(cmd, "user store", users)

	if _, err := users.CreateUser(ctx, username, password); err != nil {
		if errors.Is(err, database.ErrUserExists) {
			return fmt.Errorf("user %q already exists", username)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "User %s created.\n", username)
	return nil
}

func (a *admin) runUserPasswd(cmd *cobra.Command, args []string) error {
	username := args[0]

	password, err := promptNewPassword(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
	defer cancel()

	users, err := a.openUsers(ctx)
	if err != nil {
		return err
	}
	defer closeStore(cmd, "user store", users)

	if err := users.UpdatePassword(ctx, username, password); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("no such user %q", username)
		}
		return fmt.Errorf("failed to update password: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Password updated successfully.")
	fmt.Fprintln(out, "All existing sessions have been invalidated.")
	return nil
}

func (a *admin) runUserList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
	defer cancel()

	users, err := a.openUsers(ctx)
	if err != nil {
		return err
	}
	defer closeStore(cmd, "user store", users)

	list, err := users.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No users configured.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tCREATED\tUPDATED")
	for _, u := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", u.Username, humanize.Time(u.CreatedAt), humanize.Time(u.UpdatedAt))
	}
	return tw.Flush()
}

// promptNewPassword asks for a password twice and validates it.
func promptNewPassword(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	reader := bufio.NewReader(in)

	password, err := readPassword(cmd, in, reader, "New Password: ")
	if err != nil {
		return "", err
	}
	confirm, err := readPassword(cmd, in, reader, "Confirm Password: ")
	if err != nil {
		return "", err
	}

	if !bytes.Equal(password, confirm) {
		return "", errors.New("passwords do not match")
	}
	if len(password) < minPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	return string(password), nil
}

// readPassword reads without echo from a terminal, or one line otherwise.
func readPassword(cmd *cobra.Command, in io.Reader, reader *bufio.Reader, prompt string) ([]byte, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		password, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return nil, fmt.Errorf("error reading password: %w", err)
		}
		return password, nil
	}

	line, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return nil, fmt.Errorf("error reading password: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
