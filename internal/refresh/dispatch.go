package refresh

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"galerie/internal/collection"
)

// ErrRemotePhoto is returned when a post command is asked to display a
// photo that is not a local file.
var ErrRemotePhoto = errors.New("post command requires a local photo")

// Dispatcher delivers a selected photo to a display agent. Delivery is
// either an HTTP POST to the agent (URL reference or multipart upload,
// depending on locality) or a configured local command.
type Dispatcher struct {
	postCommands map[string][]string
	httpClient   *http.Client
	runCommand   func(argv []string) error
	logger       *slog.Logger
}

func NewDispatcher(postCommands map[string][]string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		postCommands: postCommands,
		httpClient:   &http.Client{Timeout: 5 * time.Minute},
		runCommand:   runCommand,
		logger:       logger,
	}
}

func runCommand(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

type deliveryKind int

const (
	deliverURLEncoded deliveryKind = iota
	deliverMultipart
	deliverCommand
)

// delivery picks the form a dispatch takes: a configured post command
// when the job names one; a multipart upload when the photo is a local
// file but the agent is on another machine; a URL reference otherwise.
func (d *Dispatcher) delivery(job *Job, photoURL string) deliveryKind {
	if job.PostCommandID != "" {
		return deliverCommand
	}
	if !IsLocalHostname(job.Hostname) && isFileURL(photoURL) {
		return deliverMultipart
	}
	return deliverURLEncoded
}

// Dispatch sends one photo to the job's display agent.
func (d *Dispatcher) Dispatch(job *Job, photo *collection.Photo) error {
	infoJSON, err := json.Marshal(photo.Info)
	if err != nil {
		return fmt.Errorf("encode photo info: %w", err)
	}

	target := "http://" + job.Hostname + "/"
	switch d.delivery(job, photo.URL) {
	case deliverCommand:
		return d.runPostCommand(job, photo, infoJSON)
	case deliverMultipart:
		return d.postMultipart(target, job, photo, infoJSON)
	default:
		return d.postURLEncoded(target, job, photo, infoJSON)
	}
}

// runPostCommand executes the configured argv with %HOSTNAME% substituted
// in every argument and the photo path plus options and info appended.
func (d *Dispatcher) runPostCommand(job *Job, photo *collection.Photo, infoJSON []byte) error {
	template, ok := d.postCommands[job.PostCommandID]
	if !ok || len(template) == 0 {
		return fmt.Errorf("unknown post command %q", job.PostCommandID)
	}

	photoPath, ok := fileURLPath(photo.URL)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRemotePhoto, photo.URL)
	}

	optionsJSON, err := json.Marshal(job.AfficheOptions)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}

	argv := make([]string, 0, len(template)+5)
	for _, arg := range template {
		argv = append(argv, strings.ReplaceAll(arg, "%HOSTNAME%", job.Hostname))
	}
	argv = append(argv, photoPath, "--options", string(optionsJSON), "--info", string(infoJSON))

	d.logger.Debug("running post command", "component", "refresh",
		"job", job.Identifier, "command", argv[0])
	return d.runCommand(argv)
}

func (d *Dispatcher) postURLEncoded(target string, job *Job, photo *collection.Photo, infoJSON []byte) error {
	form := url.Values{"url": {photo.URL}, "info": {string(infoJSON)}}
	for name, value := range job.AfficheOptions {
		form.Set(name, formValue(value))
	}

	resp, err := d.httpClient.PostForm(target, form)
	if err != nil {
		return fmt.Errorf("post to %s: %w", job.Hostname, err)
	}
	return drainResponse(resp, job.Hostname)
}

func (d *Dispatcher) postMultipart(target string, job *Job, photo *collection.Photo, infoJSON []byte) error {
	photoPath, ok := fileURLPath(photo.URL)
	if !ok {
		return fmt.Errorf("multipart dispatch of a non-file URL: %s", photo.URL)
	}
	f, err := os.Open(photoPath)
	if err != nil {
		return fmt.Errorf("open photo: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", fileName(photoPath))
	if err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	if err := w.WriteField("info", string(infoJSON)); err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	for name, value := range job.AfficheOptions {
		if err := w.WriteField(name, formValue(value)); err != nil {
			return fmt.Errorf("build upload: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("build upload: %w", err)
	}

	resp, err := d.httpClient.Post(target, w.FormDataContentType(), &body)
	if err != nil {
		return fmt.Errorf("post to %s: %w", job.Hostname, err)
	}
	return drainResponse(resp, job.Hostname)
}

func drainResponse(resp *http.Response, hostname string) error {
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("agent %s returned %s", hostname, resp.Status)
	}
	return nil
}

// formValue renders an option value as a form field. Strings pass
// through; everything else is rendered as JSON.
func formValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func isFileURL(raw string) bool {
	_, ok := fileURLPath(raw)
	return ok
}

func fileURLPath(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return "", false
	}
	return u.Path, true
}

func fileName(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// IsLocalHostname reports whether a host[:port] target resolves to an
// IPv4 loopback address.
func IsLocalHostname(hostname string) bool {
	host := hostname
	if h, _, err := net.SplitHostPort(hostname); err == nil {
		host = h
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return false
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil && ip4.IsLoopback() {
			return true
		}
	}
	return false
}

// ExternalHostname rewrites a loopback target to the machine's own name,
// preserving the port, so that an agent asking "which jobs point at me"
// by its outward name also matches jobs configured against localhost.
func ExternalHostname(hostname string) string {
	if !IsLocalHostname(hostname) {
		return hostname
	}

	port := ""
	if _, p, err := net.SplitHostPort(hostname); err == nil {
		port = p
	}

	fqdn := localFQDN()
	if port != "" {
		return net.JoinHostPort(fqdn, port)
	}
	return fqdn
}

func localFQDN() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	if cname, err := net.LookupCNAME(name); err == nil && cname != "" {
		return strings.TrimSuffix(cname, ".")
	}
	return name
}
