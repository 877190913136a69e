package cli

import "fmt"

func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "download":
		return runDownload(args[1:])
	case "args":
		return runArgs(args[1:])
	case "doctor":
		return runDoctor(args[1:])
	case "settings":
		return runSettings(args[1:])
	case "cleanup":
		return runCleanup(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Println("depot-packer: DepotDownloader orchestrator that packages Steam builds")
	fmt.Println()
	fmt.Println("Quick Start:")
	fmt.Println("  depot-packer doctor")
	fmt.Println("  depot-packer download --app <appid> [--os \"Windows x64\"] [--branch public]")
	fmt.Println("  depot-packer download --app <appid> --username <name> [--password <pw>]")
	fmt.Println("  depot-packer download --app <appid> --qr --compress")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  download  run preflight, download, finalize and optionally compress one build")
	fmt.Println("  args      print the DepotDownloader arguments a download would use")
	fmt.Println("  doctor    run dependency and filesystem checks")
	fmt.Println("  settings  show/update persistent settings")
	fmt.Println("  cleanup   remove orphaned staging directories")
	fmt.Println()
	fmt.Println("Notes:")
	fmt.Println("  - Use --json on commands for machine-readable output")
	fmt.Println("  - Settings come from --config, then DEPOTPACK_* environment variables")
	fmt.Println("  - Without a terminal, pass --on-conflict so an existing output does not cancel the job")
}
