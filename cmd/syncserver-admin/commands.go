package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/prn-tf/syncserver/internal/app"
	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/pkg/crypto"
	"github.com/prn-tf/syncserver/internal/service"
)

func newUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var (
		username        string
		password        string
		accountType     string
		cloudFolderName string
		credentialsFile string
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: withApp(func(ctx context.Context, a *app.App) error {
			if accountType == "" {
				accountType = a.Config.Storage.DefaultAccountType
			}
			if cloudFolderName == "" {
				cloudFolderName = username
			}
			var credentials string
			if credentialsFile != "" {
				data, err := os.ReadFile(credentialsFile)
				if err != nil {
					return fmt.Errorf("failed to read credentials: %w", err)
				}
				credentials = strings.TrimSpace(string(data))
			}

			out, err := a.Users.Create(ctx, service.CreateUserInput{
				Username:        username,
				Password:        password,
				AccountType:     domain.AccountType(accountType),
				CloudFolderName: cloudFolderName,
				Credentials:     credentials,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created user %q (id %d, %s storage in %q)\n",
				out.User.Username, out.User.ID, out.User.AccountType, out.User.CloudFolderName)
			return nil
		}),
	}
	createCmd.Flags().StringVar(&username, "username", "", "username (required)")
	createCmd.Flags().StringVar(&password, "password", "", "password, at least 8 characters (required)")
	createCmd.Flags().StringVar(&accountType, "account-type", "", "cloud storage vendor: S3, Local or Memory (default: storage.default_account_type)")
	createCmd.Flags().StringVar(&cloudFolderName, "cloud-folder", "", "folder holding the user's files (default: username)")
	createCmd.Flags().StringVar(&credentialsFile, "credentials-file", "", "JSON file with the vendor credentials")
	_ = createCmd.MarkFlagRequired("username")
	_ = createCmd.MarkFlagRequired("password")
	userCmd.AddCommand(createCmd)

	var deleteUsername string
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a user and leave all of their sharing groups",
		RunE: withApp(func(ctx context.Context, a *app.App) error {
			user, err := a.Users.GetByUsername(ctx, deleteUsername)
			if err != nil {
				return err
			}
			if err := a.Users.Delete(ctx, user.ID); err != nil {
				return err
			}
			// Run the cleanup of groups the user was alone in.
			result := a.Uploader.RunOnce(ctx)
			fmt.Printf("deleted user %q (%d deferred uploads processed)\n", user.Username, result.Completed)
			return nil
		}),
	}
	deleteCmd.Flags().StringVar(&deleteUsername, "username", "", "username (required)")
	_ = deleteCmd.MarkFlagRequired("username")
	userCmd.AddCommand(deleteCmd)

	return userCmd
}

func newSharingGroupCmd() *cobra.Command {
	groupCmd := &cobra.Command{
		Use:     "sharing-group",
		Aliases: []string{"sg"},
		Short:   "Manage sharing groups",
	}

	var owner, name string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a sharing group owned by a user",
		RunE: withApp(func(ctx context.Context, a *app.App) error {
			user, err := a.Users.GetByUsername(ctx, owner)
			if err != nil {
				return err
			}
			input := service.CreateSharingGroupInput{UserID: user.ID}
			if name != "" {
				input.Name = &name
			}
			group, err := a.SharingGroups.Create(ctx, input)
			if err != nil {
				return err
			}
			fmt.Println(group.UUID)
			return nil
		}),
	}
	createCmd.Flags().StringVar(&owner, "owner", "", "username of the first admin (required)")
	createCmd.Flags().StringVar(&name, "name", "", "display name")
	_ = createCmd.MarkFlagRequired("owner")
	groupCmd.AddCommand(createCmd)

	var sharingGroupUUID, username, permission string
	addCmd := &cobra.Command{
		Use:   "add-member",
		Short: "Add a user to a sharing group",
		RunE: withApp(func(ctx context.Context, a *app.App) error {
			user, err := a.Users.GetByUsername(ctx, username)
			if err != nil {
				return err
			}
			return a.SharingGroups.Enroll(ctx, sharingGroupUUID, user.ID, domain.Permission(permission))
		}),
	}
	addCmd.Flags().StringVar(&sharingGroupUUID, "sharing-group", "", "sharing group UUID (required)")
	addCmd.Flags().StringVar(&username, "username", "", "username (required)")
	addCmd.Flags().StringVar(&permission, "permission", string(domain.PermissionWrite), "read, write or admin")
	_ = addCmd.MarkFlagRequired("sharing-group")
	_ = addCmd.MarkFlagRequired("username")
	groupCmd.AddCommand(addCmd)

	return groupCmd
}

func newTokenCmd() *cobra.Command {
	var username, deviceUUID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a device token for a user",
		RunE: withApp(func(ctx context.Context, a *app.App) error {
			if a.Issuer == nil {
				return errors.New("auth.jwt_secret is not configured")
			}
			user, err := a.Users.GetByUsername(ctx, username)
			if err != nil {
				return err
			}
			if deviceUUID == "" {
				deviceUUID = uuid.NewString()
			}
			token, expiresAt, err := a.Issuer.Issue(user.ID, user.Username, deviceUUID)
			if err != nil {
				return err
			}
			fmt.Printf("device:  %s\nexpires: %s\ntoken:   %s\n", deviceUUID, expiresAt.Format("2006-01-02 15:04:05 MST"), token)
			return nil
		}),
	}
	cmd.Flags().StringVar(&username, "username", "", "username (required)")
	cmd.Flags().StringVar(&deviceUUID, "device", "", "device UUID (default: a new one)")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a JWT secret and a credential encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := crypto.GenerateSecret()
			if err != nil {
				return err
			}
			key, err := crypto.GenerateMasterKey()
			if err != nil {
				return err
			}
			fmt.Printf("SYNCSERVER_AUTH_JWT_SECRET=%s\nSYNCSERVER_AUTH_ENCRYPTION_KEY=%s\n", secret, key)
			return nil
		},
	}
}
