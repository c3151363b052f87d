package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint32(v), nil
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <dir-id> <parent-id> <name>",
	Short: "Create a directory",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(false, func(ctx context.Context, s *session) error {
			dirID, err := parseID(args[0])
			if err != nil {
				return err
			}
			parentID, err := parseID(args[1])
			if err != nil {
				return err
			}
			if err := s.Bridge.CreateDirectory(ctx, dirID, parentID, args[2]); err != nil {
				return err
			}
			fmt.Printf("Directory %d created under %d\n", dirID, parentID)
			return nil
		})
	},
}

var rmdirCmd = &cobra.Command{
	Use:   "rmdir <dir-id>",
	Short: "Remove an empty directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(false, func(ctx context.Context, s *session) error {
			dirID, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := s.Bridge.RemoveDirectory(ctx, dirID); err != nil {
				return err
			}
			fmt.Printf("Directory %d removed\n", dirID)
			return nil
		})
	},
}

var createCmd = &cobra.Command{
	Use:   "create <file-id> <dir-id> <name>",
	Short: "Create a file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(false, func(ctx context.Context, s *session) error {
			fileID, err := parseID(args[0])
			if err != nil {
				return err
			}
			dirID, err := parseID(args[1])
			if err != nil {
				return err
			}
			if err := s.Bridge.CreateFile(ctx, fileID, dirID, 0, args[2]); err != nil {
				return err
			}
			fmt.Printf("File %d created in directory %d\n", fileID, dirID)
			return nil
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <file-id> <dir-id>",
	Short: "Delete a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(false, func(ctx context.Context, s *session) error {
			fileID, err := parseID(args[0])
			if err != nil {
				return err
			}
			dirID, err := parseID(args[1])
			if err != nil {
				return err
			}
			if err := s.Bridge.DeleteFile(ctx, fileID, dirID); err != nil {
				return err
			}
			fmt.Printf("File %d deleted\n", fileID)
			return nil
		})
	},
}

var resizeCmd = &cobra.Command{
	Use:   "resize <file-id> <bytes>",
	Short: "Change the size of a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(false, func(ctx context.Context, s *session) error {
			fileID, err := parseID(args[0])
			if err != nil {
				return err
			}
			size, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid size %q", args[1])
			}
			if err := s.Bridge.ChangeFileSize(ctx, fileID, size); err != nil {
				return err
			}
			fmt.Printf("File %d resized to %d bytes\n", fileID, size)
			return nil
		})
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <file-id>",
	Short: "Show file properties",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(false, func(ctx context.Context, s *session) error {
			fileID, err := parseID(args[0])
			if err != nil {
				return err
			}
			props, err := s.Bridge.GetFileInfo(ctx, fileID)
			if err != nil {
				return err
			}
			fmt.Printf("File:       %d\n", fileID)
			fmt.Printf("Name:       %s\n", props.FileName)
			fmt.Printf("Size:       %d\n", props.Size)
			fmt.Printf("Attributes: %#x\n", props.Attributes)
			return nil
		})
	},
}

var attrCmd = &cobra.Command{
	Use:   "attr <file-id>",
	Short: "Show the attribute word of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(false, func(ctx context.Context, s *session) error {
			fileID, err := parseID(args[0])
			if err != nil {
				return err
			}
			attrs, err := s.Bridge.GetFileAttributes(ctx, fileID)
			if err != nil {
				return err
			}
			fmt.Printf("%#x\n", attrs)
			return nil
		})
	},
}

var dfCmd = &cobra.Command{
	Use:   "df",
	Short: "Show free space",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(false, func(ctx context.Context, s *session) error {
			free, err := s.Bridge.GetStorageFreeSpace(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d bytes free\n", free)
			return nil
		})
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <file-id> <new-name>",
	Short: "Rename a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(false, func(ctx context.Context, s *session) error {
			fileID, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := s.Bridge.MoveFile(ctx, fileID, args[1]); err != nil {
				return err
			}
			fmt.Printf("File %d renamed to %s\n", fileID, args[1])
			return nil
		})
	},
}
