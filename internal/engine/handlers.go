package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/anweddol/sessiond/internal/endpointshell"
	"github.com/anweddol/sessiond/internal/schema"
	"github.com/anweddol/sessiond/internal/version"
	"github.com/anweddol/sessiond/internal/vmm"
)

func (e *Engine) handleCreate(ctx context.Context) schema.Response {
	running, max := e.Capacity()
	if max > 0 && running >= max {
		e.fire(EventRuntimeError, ContextError, map[string]any{"reason": "capacity reached"})
		resp, _ := schema.MakeResponse(false, schema.MessageUnavailable, nil, "maximum running container domains reached")
		return resp
	}

	isoSum, err := vmm.ChecksumISO(e.cfg.Container.ISOFilePath)
	if err != nil {
		e.fire(EventRuntimeError, ContextError, map[string]any{"error": err.Error()})
		resp, _ := schema.MakeResponse(false, schema.MessageInternalError, nil, err.Error())
		return resp
	}

	containerUUID := newContainerUUID()

	handle, err := e.vm.CreateAndStart(vmm.Config{
		Name:             containerUUID,
		ISOFilePath:      e.cfg.Container.ISOFilePath,
		MemoryMB:         e.cfg.Container.MemoryMB,
		VCPUs:            e.cfg.Container.VCPUs,
		NATInterfaceName: e.cfg.Container.NATInterfaceName,
	})
	if err != nil {
		e.fire(EventRuntimeError, ContextError, map[string]any{"error": err.Error()})
		resp, _ := schema.MakeResponse(false, schema.MessageInternalError, nil, err.Error())
		return resp
	}
	if e.fire(EventContainerCreated, ContextNormalProcess, map[string]any{"container_uuid": containerUUID}) == Abort {
		e.vm.Stop(handle)
		resp, _ := schema.MakeResponse(false, schema.MessageRefusedRequest, nil, "aborted after container_created")
		return resp
	}

	awaitCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.Container.MaxTryout+1)*time.Second)
	ip, err := e.vm.AwaitIP(awaitCtx, handle, e.cfg.Container.MaxTryout)
	cancel()
	if err != nil {
		e.vm.Stop(handle)
		resp, _ := schema.MakeResponse(false, schema.MessageInternalError, nil, err.Error())
		return resp
	}
	if e.fire(EventContainerDomainStarted, ContextNormalProcess, map[string]any{"container_uuid": containerUUID, "ip": ip.String()}) == Abort {
		e.vm.Stop(handle)
		resp, _ := schema.MakeResponse(false, schema.MessageRefusedRequest, nil, "aborted after container_domain_started")
		return resp
	}

	clientUsername, clientPassword, err := endpointshell.GenerateClientCredentials(e.cfg.Container.ClientSSHPasswordLength)
	if err != nil {
		e.vm.Stop(handle)
		resp, _ := schema.MakeResponse(false, schema.MessageInternalError, nil, err.Error())
		return resp
	}

	addr := fmt.Sprintf("%s:%d", ip.String(), e.cfg.Container.EndpointListenPort)
	shell, err := endpointshell.Open(ctx, addr, e.cfg.Container.EndpointUsername, e.cfg.Container.EndpointPassword, e.cfg.Server.ClientTimeout)
	if err != nil {
		e.vm.Stop(handle)
		resp, _ := schema.MakeResponse(false, schema.MessageInternalError, nil, err.Error())
		return resp
	}
	if e.fire(EventEndpointShellOpened, ContextNormalProcess, map[string]any{"container_uuid": containerUUID}) == Abort {
		shell.Close()
		e.vm.Stop(handle)
		resp, _ := schema.MakeResponse(false, schema.MessageRefusedRequest, nil, "aborted after endpoint_shell_opened")
		return resp
	}

	administrateErr := shell.Administrate(ctx, clientUsername, clientPassword, e.cfg.Container.EndpointListenPort)
	shell.Close()
	closedOutcome := e.fire(EventEndpointShellClosed, ContextHandleEnd, map[string]any{"container_uuid": containerUUID})
	if administrateErr != nil {
		e.vm.Stop(handle)
		resp, _ := schema.MakeResponse(false, schema.MessageInternalError, nil, administrateErr.Error())
		return resp
	}
	if closedOutcome == Abort {
		e.vm.Stop(handle)
		resp, _ := schema.MakeResponse(false, schema.MessageRefusedRequest, nil, "aborted after endpoint_shell_closed")
		return resp
	}

	fwd, err := e.forwarders.CreateForwarder(ctx, containerUUID, ip.String(), e.cfg.Container.EndpointListenPort, true)
	if err != nil {
		e.vm.Stop(handle)
		resp, _ := schema.MakeResponse(false, schema.MessageUnavailable, nil, err.Error())
		return resp
	}
	if err := fwd.Start(); err != nil {
		e.forwarders.DeleteStoredForwarder(containerUUID, false)
		e.vm.Stop(handle)
		resp, _ := schema.MakeResponse(false, schema.MessageInternalError, nil, err.Error())
		return resp
	}
	if e.fire(EventForwarderCreated, ContextNormalProcess, map[string]any{"container_uuid": containerUUID, "port": fwd.ServerOriginPort}) == Abort {
		fwd.Stop()
		e.forwarders.DeleteStoredForwarder(containerUUID, false)
		e.vm.Stop(handle)
		resp, _ := schema.MakeResponse(false, schema.MessageRefusedRequest, nil, "aborted after forwarder_created")
		return resp
	}
	if e.fire(EventForwarderStarted, ContextNormalProcess, map[string]any{"container_uuid": containerUUID}) == Abort {
		fwd.Stop()
		e.forwarders.DeleteStoredForwarder(containerUUID, false)
		e.vm.Stop(handle)
		resp, _ := schema.MakeResponse(false, schema.MessageRefusedRequest, nil, "aborted after forwarder_started")
		return resp
	}

	_, _, clientToken, err := e.creds.AddEntry(containerUUID)
	if err != nil {
		// Unwind in the reverse order resources were acquired.
		fwd.Stop()
		e.forwarders.DeleteStoredForwarder(containerUUID, false)
		e.vm.Stop(handle)
		resp, _ := schema.MakeResponse(false, schema.MessageInternalError, nil, err.Error())
		return resp
	}

	e.containers.add(&Container{
		UUID:      containerUUID,
		Handle:    handle,
		IP:        ip,
		CreatedAt: time.Now(),
	})

	resp, _ := schema.MakeResponse(true, schema.MessageOK, map[string]any{
		"container_uuid":     containerUUID,
		"client_token":       clientToken,
		"iso_sha256":         isoSum,
		"client_username":    clientUsername,
		"client_password":    clientPassword,
		"server_origin_port": fwd.ServerOriginPort,
	}, "")
	return resp
}

func (e *Engine) handleDestroy(ctx context.Context, req schema.Request) schema.Response {
	containerUUID, _ := req.Parameters["container_uuid"].(string)
	clientToken, _ := req.Parameters["client_token"].(string)

	entryID, ok, err := e.creds.GetEntryID(containerUUID, clientToken)
	if err != nil {
		e.fire(EventRuntimeError, ContextError, map[string]any{"error": err.Error()})
		resp, _ := schema.MakeResponse(false, schema.MessageInternalError, nil, err.Error())
		return resp
	}
	if !ok {
		e.fire(EventAuthenticationError, ContextError, map[string]any{"container_uuid": containerUUID})
		resp, _ := schema.MakeResponse(false, schema.MessageBadAuth, nil, "")
		return resp
	}

	if _, found := e.containers.get(containerUUID); !found {
		resp, _ := schema.MakeResponse(false, schema.MessageBadRequest, nil, "no such container")
		return resp
	}

	if err := e.reclaim(containerUUID); err != nil {
		e.fire(EventRuntimeError, ContextError, map[string]any{"error": err.Error()})
		resp, _ := schema.MakeResponse(false, schema.MessageInternalError, nil, err.Error())
		return resp
	}
	e.creds.DeleteEntry(entryID)
	e.fire(EventContainerDomainStopped, ContextNormalProcess, map[string]any{"container_uuid": containerUUID})

	resp, _ := schema.MakeResponse(true, schema.MessageOK, nil, "")
	return resp
}

func (e *Engine) handleStat(ctx context.Context) schema.Response {
	running, max := e.Capacity()

	var available any
	if max <= 0 {
		available = "nolimit"
	} else {
		available = max - running
	}

	resp, _ := schema.MakeResponse(true, schema.MessageOK, map[string]any{
		"version":        version.Version(),
		"uptime_seconds": int64(e.stats.uptime().Seconds()),
		"available":      available,
	}, "")
	return resp
}
