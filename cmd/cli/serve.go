package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// imageHandler serves one firmware image at path for the device's HTTP
// pull client.
func imageHandler(path string, fw []byte, w io.Writer) http.Handler {
	mux := http.NewServeMux()
	modTime := time.Now()
	mux.HandleFunc("GET "+path, func(rw http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s GET %s (%s)\n", time.Now().Format(time.TimeOnly), r.URL.Path, r.RemoteAddr)
		rw.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(rw, r, "", modTime, bytes.NewReader(fw))
	})
	return mux
}

// serveImage serves fw on ln until ctx ends.
func serveImage(ctx context.Context, ln net.Listener, path string, fw []byte, w io.Writer) error {
	srv := &http.Server{
		Handler:           imageHandler(path, fw, w),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	fmt.Fprintf(w, "Serving %d bytes at http://%s%s\n", len(fw), ln.Addr(), path)
	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}
