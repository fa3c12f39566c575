// driftctl is the ops CLI: sharing-group management, master-version
// inspection, and deferred-upload maintenance.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/database"
	"github.com/driftsync/driftsync/internal/model"
	"github.com/driftsync/driftsync/internal/queue"
	"github.com/driftsync/driftsync/internal/repository"
)

type app struct {
	cfg   *config.Config
	store repository.Store
	close func()
}

func (a *app) connect(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := database.Migrate(ctx, cfg.DatabaseURL); err != nil {
		pool.Close()
		return fmt.Errorf("migrate database: %w", err)
	}
	a.cfg = cfg
	a.store = repository.NewPostgres(pool, cfg.LockTTL)
	a.close = pool.Close
	return nil
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:           "driftctl",
		Short:         "driftsync operations CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.connect(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.close != nil {
				a.close()
			}
		},
	}

	root.AddCommand(groupCmd(a), versionCmd(a), deferredCmd(a))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func groupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "group", Short: "Manage sharing groups"}

	var name, scheme string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a sharing group",
		RunE: func(cmd *cobra.Command, args []string) error {
			g := model.SharingGroup{
				UUID:          uuid.NewString(),
				Name:          name,
				AccountScheme: scheme,
			}
			if err := a.store.SharingGroups().Create(cmd.Context(), g); err != nil {
				return err
			}
			fmt.Println(g.UUID)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "group name")
	create.Flags().StringVar(&scheme, "scheme", "minio", "cloud account scheme")
	_ = create.MarkFlagRequired("name")

	var groupUUID, permission string
	var userID int64
	addUser := &cobra.Command{
		Use:   "add-user",
		Short: "Grant a user access to a sharing group",
		RunE: func(cmd *cobra.Command, args []string) error {
			perm := model.Permission(permission)
			if !perm.AtLeast(model.PermissionRead) {
				return fmt.Errorf("invalid permission %q", permission)
			}
			return a.store.SharingGroups().AddUser(cmd.Context(), model.SharingGroupUser{
				SharingGroupUUID: groupUUID,
				UserID:           userID,
				Permission:       perm,
			})
		},
	}
	addUser.Flags().StringVar(&groupUUID, "group", "", "sharing group uuid")
	addUser.Flags().Int64Var(&userID, "user", 0, "user id")
	addUser.Flags().StringVar(&permission, "permission", "write", "read, write or admin")
	_ = addUser.MarkFlagRequired("group")
	_ = addUser.MarkFlagRequired("user")

	cmd.AddCommand(create, addUser)
	return cmd
}

func versionCmd(a *app) *cobra.Command {
	var groupUUID string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show a sharing group's master version",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.store.MasterVersions().Lookup(cmd.Context(), groupUUID)
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}
	cmd.Flags().StringVar(&groupUUID, "group", "", "sharing group uuid")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func deferredCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "deferred", Short: "Inspect and requeue deferred uploads"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List active deferred uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			active, err := a.store.DeferredUploads().ListActive(cmd.Context())
			if err != nil {
				return err
			}
			for _, d := range active {
				key := "-"
				if d.FileGroupUUID != nil {
					key = *d.FileGroupUUID
				}
				fmt.Printf("%d\t%s\t%s\t%s\t%s\n",
					d.ID, d.SharingGroupUUID, key, d.Status, d.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	var deferredID int64
	requeue := &cobra.Command{
		Use:   "requeue",
		Short: "Enqueue an apply sweep for a deferred upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.store.DeferredUploads().Get(cmd.Context(), deferredID)
			if err != nil {
				return err
			}
			if !d.Status.Active() {
				return fmt.Errorf("deferred upload %d is %s", d.ID, d.Status)
			}
			client := asynq.NewClient(asynq.RedisClientOpt{
				Addr:     a.cfg.RedisAddr,
				Password: a.cfg.RedisPassword,
				DB:       a.cfg.RedisDB,
			})
			defer client.Close()
			return queue.EnqueueApply(cmd.Context(), client, queue.ApplyPayload{
				SharingGroupUUID: d.SharingGroupUUID,
				DeferredUploadID: d.ID,
			})
		},
	}
	requeue.Flags().Int64Var(&deferredID, "id", 0, "deferred upload id")
	_ = requeue.MarkFlagRequired("id")

	cmd.AddCommand(list, requeue)
	return cmd
}
