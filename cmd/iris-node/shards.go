package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"iris/internal/store"
)

func shardsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shards",
		Short: "Manage the shards this node hosts",
	}
	cmd.AddCommand(shardsAddCmd(g), shardsListCmd(g), shardsRemoveCmd(g))
	return cmd
}

func openShards(g *globals) (*store.Store, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.ShardsPath())
}

func shardsAddCmd(g *globals) *cobra.Command {
	var (
		id     uint64
		name   string
		desc   string
		public bool
		meta   string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Host a shard, replacing any record with the same id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("id") {
				return fmt.Errorf("%w: --id is required", errUsage)
			}
			st, err := openShards(g)
			if err != nil {
				return err
			}
			sh := store.Shard{ID: id, Name: name, Description: desc, Public: public}
			if meta != "" {
				sh.Meta = []byte(meta)
			}
			if err := st.Put(sh); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added shard %d\n", id)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 0, "shard id")
	cmd.Flags().StringVar(&name, "name", "", "shard name")
	cmd.Flags().StringVar(&desc, "desc", "", "shard description")
	cmd.Flags().BoolVar(&public, "public", false, "advertise as public")
	cmd.Flags().StringVar(&meta, "meta", "", "opaque metadata")
	return cmd
}

func shardsListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List hosted shards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openShards(g)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, sh := range st.List() {
				fmt.Fprintf(out, "%d name=%q public=%v desc=%q\n", sh.ID, sh.Name, sh.Public, sh.Description)
			}
			return nil
		},
	}
}

func shardsRemoveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Stop hosting a shard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad shard id %q", errUsage, args[0])
			}
			st, err := openShards(g)
			if err != nil {
				return err
			}
			if err := st.Remove(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed shard %d\n", id)
			return nil
		},
	}
}
