package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/tnqbao/gau-upload-service/entity"
	"github.com/tnqbao/gau-upload-service/uploader"
)

func main() {
	_ = godotenv.Load()

	server := flag.String("server", "http://localhost:8080", "upload server base URL")
	stateDir := flag.String("state-dir", defaultStateDir(), "directory for resumable session state")
	fresh := flag.Bool("new", false, "discard stored sessions and start from byte zero")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "upload":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		err = runUpload(*server, *stateDir, args[1], *fresh)
	case "sessions":
		err = runSessions(*stateDir)
	case "reset":
		err = runReset(*server, *stateDir)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: uploadctl [flags] <command>

Commands:
  upload <file>   upload a file, resuming any matching incomplete session
  sessions        list locally stored sessions
  reset           discard all locally stored sessions

Flags:
`)
	flag.PrintDefaults()
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".uploadctl"
	}
	return filepath.Join(home, ".uploadctl")
}

func runUpload(server, stateDir, path string, fresh bool) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	store, err := uploader.NewFileSessionStore(stateDir)
	if err != nil {
		return err
	}

	orch := uploader.NewOrchestrator(store, uploader.NewTransport(server))
	orch.OnProgress = func(transferred, total int64) {
		fmt.Printf("\r%6.2f%% (%d / %d bytes)", float64(transferred)/float64(total)*100, transferred, total)
	}
	orch.OnStateChange = func(status entity.UploadStatus) {
		fmt.Printf("\n[%s]\n", status)
	}

	fileInfo := uploader.FileInfo{
		Name:         filepath.Base(path),
		Size:         info.Size(),
		LastModified: info.ModTime().UnixMilli(),
	}

	var session *uploader.Session
	if fresh {
		session, err = orch.StartNew(fileInfo, file)
	} else {
		session, err = orch.Prepare(fileInfo, file)
	}
	if err != nil {
		var mismatch *uploader.StateMismatchError
		if errors.As(err, &mismatch) {
			return fmt.Errorf("%s (rerun with -new to discard it)", mismatch.Error())
		}
		return err
	}

	if uploaded := len(session.UploadedChunks); uploaded > 0 {
		fmt.Printf("Resuming session %s: %d of %d chunks already uploaded\n", session.SessionID, uploaded, session.TotalChunks)
	} else {
		fmt.Printf("Uploading %s as session %s (%d chunks)\n", fileInfo.Name, session.SessionID, session.TotalChunks)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-interrupt
		fmt.Println("\nPausing...")
		orch.Pause()
	}()

	if err := orch.Run(ctx); err != nil {
		return err
	}

	switch orch.Status() {
	case entity.UploadStatusCompleted:
		if result := orch.Result(); result != nil {
			fmt.Printf("Upload complete: %s (%d bytes)\n", result.FinalKey, result.Size)
		} else {
			fmt.Println("Upload complete")
		}
	case entity.UploadStatusPaused:
		if msg := orch.ErrorMessage(); msg != "" {
			fmt.Println("Upload paused:", msg)
		} else {
			fmt.Println("Upload paused, rerun the same command to resume")
		}
	default:
		if msg := orch.ErrorMessage(); msg != "" {
			return errors.New(msg)
		}
	}
	return nil
}

func runSessions(stateDir string) error {
	store, err := uploader.NewFileSessionStore(stateDir)
	if err != nil {
		return err
	}
	sessions, err := store.ListAll()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No stored sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s  %-30s  %d/%d chunks  %s\n", s.SessionID, s.FileName, len(s.UploadedChunks), s.TotalChunks, s.Status)
	}
	return nil
}

func runReset(server, stateDir string) error {
	store, err := uploader.NewFileSessionStore(stateDir)
	if err != nil {
		return err
	}
	sessions, err := store.ListAll()
	if err != nil {
		return err
	}
	transport := uploader.NewTransport(server)
	for _, s := range sessions {
		if err := store.Delete(s.SessionID); err != nil {
			return err
		}
		_ = transport.AbortSession(context.Background(), s.SessionID)
		fmt.Println("Discarded session", s.SessionID)
	}
	return nil
}
