package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/replidoc/replidoc/internal/document"
)

// The one-shot document commands work entirely against the local store; the
// queued changes travel whenever a daemon or sync run has a connection.

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a document",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		if title == "" {
			return fmt.Errorf("--title is required")
		}

		env, err := openEnv(cmd, nil)
		if err != nil {
			return err
		}
		defer env.closeOffline()

		doc, err := env.engine.CreateDocument(context.Background(), title, body)
		if err != nil {
			return err
		}
		fmt.Printf("Created %s at revision %s\n", doc.ID, doc.Revision)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update a document's title and/or body",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := flagID(cmd)
		if err != nil {
			return err
		}

		var patch document.Patch
		if cmd.Flags().Changed("title") {
			title, _ := cmd.Flags().GetString("title")
			patch.Title = &title
		}
		if cmd.Flags().Changed("body") {
			body, _ := cmd.Flags().GetString("body")
			patch.Body = &body
		}
		if patch.IsEmpty() {
			return fmt.Errorf("nothing to update; pass --title and/or --body")
		}

		env, err := openEnv(cmd, nil)
		if err != nil {
			return err
		}
		defer env.closeOffline()

		doc, err := env.engine.ApplyLocalEdit(context.Background(), id, patch)
		if err != nil {
			return err
		}
		fmt.Printf("Updated %s to revision %s\n", doc.ID, doc.Revision)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a document",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := flagID(cmd)
		if err != nil {
			return err
		}

		env, err := openEnv(cmd, nil)
		if err != nil {
			return err
		}
		defer env.closeOffline()

		if err := env.engine.DeleteDocument(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", id)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd, nil)
		if err != nil {
			return err
		}
		defer env.closeOffline()

		docs, err := env.engine.List(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tREVISION\tTITLE")
		for _, doc := range docs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", doc.ID, doc.Revision, doc.Title)
		}
		return w.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd, nil)
		if err != nil {
			return err
		}
		defer env.closeOffline()

		st, err := env.engine.Status(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("User:      %s\n", env.ident.UserID)
		fmt.Printf("Server:    %s\n", env.ident.ServerURL)
		fmt.Printf("Documents: %d\n", st.Documents)
		fmt.Printf("Pending:   %d\n", st.Pending)
		return nil
	},
}

func flagID(cmd *cobra.Command) (uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString("id")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("--id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid document id %q: %w", raw, err)
	}
	return id, nil
}

func init() {
	createCmd.Flags().String("title", "", "Document title")
	createCmd.Flags().String("body", "", "Document body")

	updateCmd.Flags().String("id", "", "Document id")
	updateCmd.Flags().String("title", "", "New title")
	updateCmd.Flags().String("body", "", "New body")

	deleteCmd.Flags().String("id", "", "Document id")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
}
