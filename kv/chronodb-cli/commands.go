package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/chronodb/chronodb/kv/chronodb"
	"github.com/chronodb/chronodb/kv/query"
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/transaction"
	"github.com/spf13/cobra"
)

func openTx(db *chronodb.DB, at int64) (*transaction.Txn, error) {
	if at < 0 {
		return db.TxOnBranch(branchName)
	}
	return db.TxAt(branchName, at)
}

func newPutCommand() *cobra.Command {
	var message string
	m := &cobra.Command{
		Use:   "put keyspace key value",
		Short: "Write a value and commit it",
		Args:  cobra.ExactArgs(3),
	}
	m.Flags().StringVarP(&message, "message", "m", "", "Commit metadata")
	m.RunE = withDB(func(db *chronodb.DB, args []string) error {
		tx, err := db.TxOnBranch(branchName)
		if err != nil {
			return err
		}
		if err := tx.Put(args[0], args[1], []byte(args[2])); err != nil {
			return err
		}
		return commit(m.OutOrStdout(), tx, message)
	})
	return m
}

func newRemoveCommand() *cobra.Command {
	var message string
	m := &cobra.Command{
		Use:   "remove keyspace key",
		Short: "Delete a key and commit it",
		Args:  cobra.ExactArgs(2),
	}
	m.Flags().StringVarP(&message, "message", "m", "", "Commit metadata")
	m.RunE = withDB(func(db *chronodb.DB, args []string) error {
		tx, err := db.TxOnBranch(branchName)
		if err != nil {
			return err
		}
		if err := tx.Remove(args[0], args[1]); err != nil {
			return err
		}
		return commit(m.OutOrStdout(), tx, message)
	})
	return m
}

func commit(w io.Writer, tx *transaction.Txn, message string) error {
	var metadata []byte
	if message != "" {
		metadata = []byte(message)
	}
	ts, err := tx.CommitWithMetadata(metadata)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "committed %s@%d\n", tx.Branch(), ts)
	return nil
}

func newGetCommand() *cobra.Command {
	var at int64
	m := &cobra.Command{
		Use:   "get keyspace key",
		Short: "Read a value",
		Args:  cobra.ExactArgs(2),
	}
	m.Flags().Int64Var(&at, "at", -1, "Timestamp to read at, the branch now when negative")
	m.RunE = withDB(func(db *chronodb.DB, args []string) error {
		tx, err := openTx(db, at)
		if err != nil {
			return err
		}
		res, err := tx.GetResult(args[0], args[1])
		if err != nil {
			return err
		}
		w := m.OutOrStdout()
		if !res.Found {
			fmt.Fprintf(w, "%s->%s not found at %d\n", args[0], args[1], tx.Timestamp())
			return nil
		}
		to := "now"
		if !res.Period.IsOpen() {
			to = strconv.FormatInt(res.Period.To, 10)
		}
		fmt.Fprintf(w, "%s [%d, %s)\n", res.Value, res.Period.From, to)
		return nil
	})
	return m
}

func newHistoryCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "history keyspace key",
		Short: "List the commit timestamps that changed a key, newest first",
		Args:  cobra.ExactArgs(2),
	}
	m.RunE = withDB(func(db *chronodb.DB, args []string) error {
		tx, err := db.TxOnBranch(branchName)
		if err != nil {
			return err
		}
		history, err := tx.History(args[0], args[1])
		if err != nil {
			return err
		}
		for _, ts := range history {
			fmt.Fprintln(m.OutOrStdout(), ts)
		}
		return nil
	})
	return m
}

func newBranchCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "branch",
		Short: "Manage branches",
	}
	var from string
	create := &cobra.Command{
		Use:   "create name",
		Short: "Fork a branch at the now of its parent",
		Args:  cobra.ExactArgs(1),
	}
	create.Flags().StringVar(&from, "from", storage.MasterBranch, "Parent branch")
	create.RunE = withDB(func(db *chronodb.DB, args []string) error {
		b, err := db.CreateBranchFrom(from, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(create.OutOrStdout(), "created %s from %s@%d\n", b.Name(), from, b.BranchingTimestamp())
		return nil
	})
	list := &cobra.Command{
		Use:   "list",
		Short: "List every branch",
		Args:  cobra.NoArgs,
	}
	list.RunE = withDB(func(db *chronodb.DB, args []string) error {
		for _, b := range db.Branches().Branches() {
			now, err := db.Branches().Now(b.Name())
			if err != nil {
				return err
			}
			origin := "-"
			if b.Origin() != nil {
				origin = fmt.Sprintf("%s@%d", b.Origin().Name(), b.BranchingTimestamp())
			}
			fmt.Fprintf(list.OutOrStdout(), "%s\t%s\tnow %d\n", b.Name(), origin, now)
		}
		return nil
	})
	m.AddCommand(create, list)
	return m
}

func newQueryCommand() *cobra.Command {
	var (
		at     int64
		values bool
	)
	m := &cobra.Command{
		Use:   "query keyspace expression",
		Short: `Find keys, e.g. query people 'name contains "Foo" and not age >= 30'`,
		Args:  cobra.ExactArgs(2),
	}
	m.Flags().Int64Var(&at, "at", -1, "Timestamp to query at, the branch now when negative")
	m.Flags().BoolVar(&values, "values", false, "Print the values too")
	m.RunE = withDB(func(db *chronodb.DB, args []string) error {
		q, err := query.ParseText(args[0], args[1])
		if err != nil {
			return err
		}
		tx, err := openTx(db, at)
		if err != nil {
			return err
		}
		res, err := tx.Find(q)
		if err != nil {
			return err
		}
		w := m.OutOrStdout()
		if !values {
			for _, key := range res.Keys() {
				fmt.Fprintln(w, key)
			}
			return nil
		}
		it := res.Values()
		defer it.Close()
		for ; it.Valid(); it.Next() {
			fmt.Fprintf(w, "%s\t%s\n", it.Key(), it.Value())
		}
		return it.Err()
	})
	return m
}

func newReindexCommand() *cobra.Command {
	var dirty bool
	m := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the indexes",
		Args:  cobra.NoArgs,
	}
	m.Flags().BoolVar(&dirty, "dirty", false, "Only rebuild dirty indexes")
	m.RunE = withDB(func(db *chronodb.DB, args []string) error {
		var err error
		if dirty {
			err = db.ReindexDirty(context.Background())
		} else {
			err = db.Reindex(context.Background())
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(m.OutOrStdout(), "reindexed %v\n", db.Indexes().Names())
		return nil
	})
	return m
}

func newCommitsCommand() *cobra.Command {
	var from, to int64
	m := &cobra.Command{
		Use:   "commits",
		Short: "List the commits of a branch, newest first",
		Args:  cobra.NoArgs,
	}
	m.Flags().Int64Var(&from, "from", 0, "Lower bound, inclusive")
	m.Flags().Int64Var(&to, "to", storage.TsMax, "Upper bound, inclusive")
	m.RunE = withDB(func(db *chronodb.DB, args []string) error {
		commits, err := db.Commits(branchName, from, to)
		if err != nil {
			return err
		}
		for _, c := range commits {
			fmt.Fprintf(m.OutOrStdout(), "%d\t%s\n", c.Timestamp, c.Metadata)
		}
		return nil
	})
	return m
}

func newStatsCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "stats",
		Short: "Print branch and index statistics",
		Args:  cobra.NoArgs,
	}
	m.RunE = withDB(func(db *chronodb.DB, args []string) error {
		w := m.OutOrStdout()
		fmt.Fprintf(w, "branches\t%d\n", len(db.Branches().Names()))
		fmt.Fprintf(w, "indexes\t%v\n", db.Indexes().Names())
		fmt.Fprintf(w, "dirty\t%v\n", db.Indexes().DirtyIndexes())
		fmt.Fprintf(w, "value cache\t%d hits, %d misses\n", db.Cache().Stats().Hits, db.Cache().Stats().Misses)
		return nil
	})
	return m
}
