// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/websocket"
)

type eventMessage struct {
	Status     int
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
	Properties struct {
		Text string
	}
}

// eventListener sends "update" events for a single object to C,
// reconnecting to the websocket service as needed, until Close is
// called.
type eventListener struct {
	C      chan eventMessage
	client *arvados.Client
	uuid   string
	done   chan struct{}
	once   sync.Once
}

func listenEvents(client *arvados.Client, uuid string) *eventListener {
	el := &eventListener{
		C:      make(chan eventMessage, 1),
		client: client,
		uuid:   uuid,
		done:   make(chan struct{}),
	}
	go el.run()
	return el
}

func (el *eventListener) Close() {
	el.once.Do(func() { close(el.done) })
}

func (el *eventListener) run() {
	for {
		select {
		case <-el.done:
			return
		default:
		}
		err := el.listen()
		if err != nil {
			log.Warnf("event stream: %s", err)
		}
		select {
		case <-el.done:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (el *eventListener) listen() error {
	var cluster arvados.Cluster
	err := el.client.RequestAndDecode(&cluster, "GET", arvados.EndpointConfigGet.Path, nil, nil)
	if err != nil {
		return fmt.Errorf("error getting cluster config: %w", err)
	}
	wsURL := cluster.Services.Websocket.ExternalURL
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/websocket"
	wsURL.RawQuery = url.Values{"api_token": []string{el.client.AuthToken}}.Encode()
	conn, err := websocket.Dial(wsURL.String(), "", cluster.Services.Controller.ExternalURL.String())
	if err != nil {
		return fmt.Errorf("websocket connection error: %w", err)
	}
	defer conn.Close()
	go func() {
		<-el.done
		conn.Close()
	}()
	err = json.NewEncoder(conn).Encode(map[string]interface{}{
		"method": "subscribe",
		"filters": [][]interface{}{
			{"object_uuid", "=", el.uuid},
			{"event_type", "in", []string{"update"}},
		},
	})
	if err != nil {
		return err
	}
	dec := json.NewDecoder(conn)
	for {
		var msg eventMessage
		if err := dec.Decode(&msg); err != nil {
			return err
		}
		if msg.ObjectUUID != el.uuid {
			continue
		}
		select {
		case el.C <- msg:
		case <-el.done:
			return nil
		default:
			// an update is already queued
		}
	}
}

var refreshTicker = time.NewTicker(5 * time.Second)

// arvadosContainerRunner runs a copy of the current program, with the
// given Args, in an Arvados container. Input paths must first be
// rewritten with TranslatePaths.
type arvadosContainerRunner struct {
	Client      *arvados.Client
	Name        string
	OutputName  string
	ProjectUUID string
	VCPUs       int
	RAM         int64
	Prog        string // if empty, run /proc/self/exe
	Args        []string
	Mounts      map[string]map[string]interface{}
	Priority    int
	KeepCache   int // cache buffers per VCPU (0 for default)
	Preemptible bool
}

func (runner *arvadosContainerRunner) Run() (string, error) {
	return runner.RunContext(context.Background())
}

// RunContext submits a container request, relays the container's
// stderr to our log until it finishes, and returns the UUID of the
// output collection.
func (runner *arvadosContainerRunner) RunContext(ctx context.Context) (string, error) {
	if runner.ProjectUUID == "" {
		return "", errors.New("cannot run arvados container: ProjectUUID not provided")
	}

	mounts := map[string]map[string]interface{}{
		"/mnt/output": {
			"kind":     "collection",
			"writable": true,
		},
	}
	for path, mnt := range runner.Mounts {
		mounts[path] = mnt
	}

	prog := runner.Prog
	if prog == "" {
		prog = "/mnt/cmd/fqstats"
		cmdUUID, err := runner.makeCommandCollection()
		if err != nil {
			return "", err
		}
		mounts["/mnt/cmd"] = map[string]interface{}{
			"kind": "collection",
			"uuid": cmdUUID,
		}
	}
	command := append([]string{prog}, runner.Args...)

	priority := runner.Priority
	if priority < 1 {
		priority = 500
	}
	keepCache := runner.KeepCache
	if keepCache < 1 {
		keepCache = 2
	}
	rc := arvados.RuntimeConstraints{
		VCPUs:        runner.VCPUs,
		RAM:          runner.RAM,
		KeepCacheRAM: (1 << 26) * int64(keepCache) * int64(runner.VCPUs),
	}
	var outname interface{}
	if runner.OutputName != "" {
		outname = runner.OutputName
	}
	var cr arvados.ContainerRequest
	err := runner.Client.RequestAndDecode(&cr, "POST", "arvados/v1/container_requests", nil, map[string]interface{}{
		"container_request": map[string]interface{}{
			"owner_uuid":          runner.ProjectUUID,
			"name":                runner.Name,
			"container_image":     "fqstats-runtime",
			"command":             command,
			"mounts":              mounts,
			"use_existing":        true,
			"output_path":         "/mnt/output",
			"output_name":         outname,
			"runtime_constraints": rc,
			"priority":            priority,
			"state":               arvados.ContainerRequestStateCommitted,
			"scheduling_parameters": arvados.SchedulingParameters{
				Preemptible: runner.Preemptible,
				Partitions:  []string{},
			},
			"environment": map[string]string{
				"GOMAXPROCS": fmt.Sprintf("%d", rc.VCPUs),
			},
			"container_count_max": 1,
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("container request UUID: %s", cr.UUID)

	var events *eventListener
	defer func() {
		if events != nil {
			events.Close()
		}
	}()
	var eventsC chan eventMessage
	logOffset := int64(0)
	lastState := cr.State
	refresh := func() {
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		err := runner.Client.RequestAndDecodeContext(ctx, &cr, "GET", "arvados/v1/container_requests/"+cr.UUID, nil, nil)
		if err != nil {
			log.Printf("error getting container request: %s", err)
			return
		}
		if lastState != cr.State {
			log.Printf("container request state: %s", cr.State)
			lastState = cr.State
		}
		if events == nil && cr.ContainerUUID != "" {
			log.Printf("container UUID: %s", cr.ContainerUUID)
			events = listenEvents(runner.Client, cr.ContainerUUID)
			eventsC = events.C
		}
		if cr.ContainerUUID != "" {
			logOffset = runner.relayLog(&cr, logOffset)
		}
	}
	refresh()
waitcr:
	for cr.State != arvados.ContainerRequestStateFinal {
		select {
		case <-ctx.Done():
			err := runner.Client.RequestAndDecode(&cr, "PATCH", "arvados/v1/container_requests/"+cr.UUID, nil, map[string]interface{}{
				"container_request": map[string]interface{}{
					"priority": 0,
				},
			})
			if err != nil {
				log.Errorf("error while trying to cancel container request %s: %s", cr.UUID, err)
			}
			break waitcr
		case <-refreshTicker.C:
			refresh()
		case <-eventsC:
			refresh()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var c arvados.Container
	err = runner.Client.RequestAndDecode(&c, "GET", "arvados/v1/containers/"+cr.ContainerUUID, nil, nil)
	if err != nil {
		return "", err
	} else if c.State != arvados.ContainerStateComplete {
		return "", fmt.Errorf("container did not complete: %s", c.State)
	} else if c.ExitCode != 0 {
		return "", fmt.Errorf("container exited %d", c.ExitCode)
	}
	return cr.OutputUUID, nil
}

// relayLog copies new lines of the container's stderr log, starting
// at offset, to our own log, and returns the new offset.
func (runner *arvadosContainerRunner) relayLog(cr *arvados.ContainerRequest, offset int64) int64 {
	req, err := http.NewRequest("GET", "https://"+runner.Client.APIHost+"/arvados/v1/container_requests/"+cr.UUID+"/log/"+cr.ContainerUUID+"/stderr.txt", nil)
	if err != nil {
		log.Errorf("error preparing log request: %s", err)
		return offset
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	resp, err := runner.Client.Do(req)
	if err != nil {
		log.Errorf("error getting log data: %s", err)
		return offset
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return offset
	} else if resp.StatusCode >= 300 {
		log.Errorf("error getting log data: %s", resp.Status)
		return offset
	}
	logdata, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Errorf("error reading log data: %s", err)
		return offset
	}
	for {
		eol := bytes.IndexByte(logdata, '\n')
		if eol < 0 {
			break
		}
		if eol > 0 {
			log.Print(string(logdata[:eol]))
		}
		logdata = logdata[eol+1:]
		offset += int64(eol + 1)
	}
	return offset
}

var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)

// TranslatePaths replaces each collection-based path (".../{uuid or
// pdh}/path/in/collection") with the path where that collection will
// be mounted inside the container, and adds the necessary mounts.
func (runner *arvadosContainerRunner) TranslatePaths(paths ...*string) error {
	if runner.Mounts == nil {
		runner.Mounts = make(map[string]map[string]interface{})
	}
	for _, path := range paths {
		if *path == "" || *path == "-" {
			continue
		}
		m := collectionInPathRe.FindStringSubmatch(*path)
		if m == nil {
			return fmt.Errorf("cannot find uuid in path: %q", *path)
		}
		collID := m[2]
		if _, ok := runner.Mounts["/mnt/"+collID]; !ok {
			mnt := map[string]interface{}{
				"kind": "collection",
			}
			if len(collID) == 27 {
				mnt["uuid"] = collID
			} else {
				mnt["portable_data_hash"] = collID
			}
			runner.Mounts["/mnt/"+collID] = mnt
		}
		*path = "/mnt/" + collID + m[3]
	}
	return nil
}

var mtxMakeCommandCollection sync.Mutex

// makeCommandCollection stores the running executable in a
// collection (reusing an existing one with the same blake2b hash)
// and returns the collection UUID.
func (runner *arvadosContainerRunner) makeCommandCollection() (string, error) {
	mtxMakeCommandCollection.Lock()
	defer mtxMakeCommandCollection.Unlock()
	exe, err := os.ReadFile("/proc/self/exe")
	if err != nil {
		return "", err
	}
	b2 := fmt.Sprintf("%x", blake2b.Sum256(exe))
	cname := "fqstats " + cmd.Version.String()
	var existing arvados.CollectionList
	err = runner.Client.RequestAndDecode(&existing, "GET", "arvados/v1/collections", nil, arvados.ListOptions{
		Limit: 1,
		Count: "none",
		Filters: []arvados.Filter{
			{Attr: "name", Operator: "=", Operand: cname},
			{Attr: "owner_uuid", Operator: "=", Operand: runner.ProjectUUID},
			{Attr: "properties.blake2b", Operator: "=", Operand: b2},
		},
	})
	if err != nil {
		return "", err
	}
	if len(existing.Items) > 0 {
		coll := existing.Items[0]
		log.Printf("using fqstats binary in existing collection %s (name is %q, hash is %q)", coll.UUID, cname, coll.Properties["blake2b"])
		return coll.UUID, nil
	}
	log.Printf("writing fqstats binary to new collection %q", cname)
	ac, err := arvadosclient.New(runner.Client)
	if err != nil {
		return "", err
	}
	kc := keepclient.New(ac)
	var coll arvados.Collection
	fs, err := coll.FileSystem(runner.Client, kc)
	if err != nil {
		return "", err
	}
	f, err := fs.OpenFile("fqstats", os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return "", err
	}
	_, err = f.Write(exe)
	if err != nil {
		return "", err
	}
	err = f.Close()
	if err != nil {
		return "", err
	}
	mtxt, err := fs.MarshalManifest(".")
	if err != nil {
		return "", err
	}
	err = runner.Client.RequestAndDecode(&coll, "POST", "arvados/v1/collections", nil, map[string]interface{}{
		"collection": map[string]interface{}{
			"owner_uuid":    runner.ProjectUUID,
			"manifest_text": mtxt,
			"name":          cname,
			"properties": map[string]interface{}{
				"blake2b": b2,
			},
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("stored fqstats binary in new collection %s", coll.UUID)
	return coll.UUID, nil
}

// zopen returns a reader for the given file, using the arvados API
// instead of arv-mount/fuse where applicable, and transparently
// decompressing the input if fnm ends with ".gz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := open(fnm)
	if err != nil || !strings.HasSuffix(strings.ToLower(fnm), ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, err
	}
	return gzipr{rdr, f}, nil
}

// gzipr wraps a ReadCloser and a Closer, presenting a single Close()
// method that closes both wrapped objects.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

var (
	arvadosClientFromEnv = arvados.NewClientFromEnv()
	keepClient           *keepclient.KeepClient
	siteFS               arvados.CustomFileSystem
	siteFSMtx            sync.Mutex
)

// open returns a reader for fnm. When ARVADOS_API_HOST is set and fnm
// refers to a collection, the file is read through the keep client
// instead of the local filesystem.
func open(fnm string) (io.ReadCloser, error) {
	if os.Getenv("ARVADOS_API_HOST") == "" {
		return os.Open(fnm)
	}
	m := collectionInPathRe.FindStringSubmatch(fnm)
	if m == nil {
		return os.Open(fnm)
	}
	collectionUUID := m[2]
	collectionPath := m[3]

	siteFSMtx.Lock()
	defer siteFSMtx.Unlock()
	if siteFS == nil {
		log.Info("setting up Arvados client")
		ac, err := arvadosclient.New(arvadosClientFromEnv)
		if err != nil {
			return nil, err
		}
		ac.Client = arvados.DefaultSecureClient
		keepClient = keepclient.New(ac)
		// Don't use keepclient's default short timeouts.
		keepClient.HTTPClient = arvados.DefaultSecureClient
		keepClient.BlockCache = &keepclient.BlockCache{MaxBlocks: 4}
		siteFS = arvadosClientFromEnv.SiteFileSystem(keepClient)
	} else {
		keepClient.BlockCache.MaxBlocks += 2
	}

	log.Infof("reading %q from %s using Arvados client", collectionPath, collectionUUID)
	f, err := siteFS.Open("by_id/" + collectionUUID + collectionPath)
	if err != nil {
		return nil, err
	}
	return &reduceCacheOnClose{ReadCloser: f}, nil
}

type reduceCacheOnClose struct {
	io.ReadCloser
	once sync.Once
}

func (rc *reduceCacheOnClose) Close() error {
	rc.once.Do(func() {
		siteFSMtx.Lock()
		keepClient.BlockCache.MaxBlocks -= 2
		siteFSMtx.Unlock()
	})
	return rc.ReadCloser.Close()
}
