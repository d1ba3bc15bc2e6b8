package sandbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/sandbox/internal/fakebackend"
	"github.com/zot/sandbox/internal/loop"
)

func newPython(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := newHarness(t, NewPythonAPI, opts...)
	h.open()
	return h
}

func TestPythonGreeting(t *testing.T) {
	h := newPython(t)
	require.Len(t, h.frames, 1)
	assert.Equal(t, map[string]any{
		"ready":          true,
		"provider_type":  "demonstration",
		"default_series": "precise",
	}, h.frames[0])
	assert.True(t, h.api.Connected())
	assert.Same(t, h.conn, h.api.Client())
}

func TestPythonReopenSendsNoSecondGreeting(t *testing.T) {
	h := newPython(t)
	h.open()
	assert.Len(t, h.frames, 1)
}

func TestPythonLogin(t *testing.T) {
	h := newPython(t)
	h.state.Logout()

	reply := h.send(map[string]any{"op": "login", "user": "admin", "password": "password", "request_id": 42})
	assert.Equal(t, map[string]any{
		"op": "login", "user": "admin", "password": "password", "request_id": float64(42), "result": true,
	}, reply)
	assert.True(t, h.state.Authenticated())

	h.state.Logout()
	reply = h.send(map[string]any{"op": "login", "user": "admin", "password": "nope", "request_id": 43})
	assert.Equal(t, false, reply["result"])
	assert.Equal(t, fakebackend.MsgInvalidLogin, reply["err"])
	assert.False(t, h.state.Authenticated())
}

func TestPythonDeploy(t *testing.T) {
	h := newPython(t)
	request := map[string]any{
		"op":           "deploy",
		"charm_url":    "cs:wordpress",
		"service_name": "kumquat",
		"config_raw":   "funny: business",
		"num_units":    2,
		"request_id":   42,
	}
	reply := h.send(request)
	assert.Equal(t, map[string]any{
		"op":           "deploy",
		"charm_url":    "cs:wordpress",
		"service_name": "kumquat",
		"config_raw":   "funny: business",
		"num_units":    float64(2),
		"request_id":   float64(42),
	}, reply)

	svc, err := h.state.Service("kumquat")
	require.NoError(t, err)
	assert.Equal(t, "cs:precise/wordpress-10", svc.Charm)
	assert.Equal(t, map[string]any{"funny": "business"}, svc.Config)
	assert.Len(t, h.state.Units("kumquat"), 2)

	reply = h.send(map[string]any{"op": "get_service", "service_name": "kumquat", "request_id": 43})
	result := reply["result"].(map[string]any)
	assert.Equal(t, "kumquat", result["name"])
	assert.Equal(t, "cs:precise/wordpress-10", result["charm"])
	assert.Len(t, result["units"], 2)
}

func TestPythonDeployCollision(t *testing.T) {
	h := newPython(t)
	h.deploy("cs:wordpress", fakebackend.DeployOptions{})
	reply := h.send(map[string]any{"op": "deploy", "charm_url": "cs:wordpress", "request_id": 1})
	assert.Equal(t, "A service with this name already exists.", reply["err"])
	assert.Len(t, h.state.Services(), 1)
}

func TestPythonAddAndRemoveUnits(t *testing.T) {
	h := newPython(t)
	h.deploy("cs:wordpress", fakebackend.DeployOptions{})

	reply := h.send(map[string]any{"op": "add_unit", "service_name": "wordpress", "num_units": 2})
	assert.Equal(t, map[string]any{
		"op": "add_unit", "service_name": "wordpress", "num_units": float64(2),
		"result": []any{"wordpress/1", "wordpress/2"},
	}, reply)
	assert.Len(t, h.state.Units("wordpress"), 3)

	reply = h.send(map[string]any{"op": "add_unit", "service_name": "noservice", "num_units": 2})
	assert.Equal(t, `"noservice" is an invalid service name.`, reply["err"])

	reply = h.send(map[string]any{"op": "remove_units", "unit_names": []string{"wordpress/0", "wordpress/1"}})
	assert.Equal(t, map[string]any{
		"op": "remove_units", "unit_names": []any{"wordpress/0", "wordpress/1"}, "result": true,
	}, reply)

	reply = h.send(map[string]any{"op": "remove_units", "unit_names": []string{"bar/2"}})
	assert.Equal(t, true, reply["result"])
	assert.Nil(t, reply["err"])
}

func TestPythonRemoveSubordinateUnitFails(t *testing.T) {
	h := newPython(t)
	h.deploy("cs:wordpress", fakebackend.DeployOptions{})
	h.deploy("cs:puppet", fakebackend.DeployOptions{})
	_, err := h.state.AddRelation("wordpress", "puppet")
	require.NoError(t, err)

	reply := h.send(map[string]any{"op": "remove_units", "unit_names": []string{"puppet/0"}})
	assert.Equal(t, []any{"puppet/0 is a subordinate, cannot remove."}, reply["err"])
	_, err = h.state.Unit("puppet/0")
	assert.NoError(t, err)
}

func TestPythonServiceOperations(t *testing.T) {
	h := newPython(t)
	h.deploy("cs:wordpress", fakebackend.DeployOptions{})

	reply := h.send(map[string]any{"op": "get_charm", "charm_url": "cs:wordpress", "request_id": 99})
	assert.Equal(t, "wordpress", reply["result"].(map[string]any)["name"])

	reply = h.send(map[string]any{"op": "set_config", "service_name": "wordpress", "config": map[string]any{"blog-title": "Inimical"}})
	assert.Equal(t, map[string]any{"blog-title": "Inimical"}, reply["result"])

	h.send(map[string]any{"op": "set_constraints", "service_name": "wordpress", "constraints": []string{"cpu=2", "mem=128"}})
	svc, err := h.state.Service("wordpress")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"cpu": "2", "mem": "128"}, svc.Constraints)

	reply = h.send(map[string]any{"op": "set_constraints", "service_name": "nope", "constraints": map[string]any{"cpu": 2}})
	assert.Equal(t, `Service "nope" does not exist.`, reply["err"])

	reply = h.send(map[string]any{"op": "destroy_service", "service_name": "wordpress", "request_id": 99})
	assert.Equal(t, "wordpress", reply["result"])
	_, err = h.state.Service("wordpress")
	assert.Error(t, err)

	reply = h.send(map[string]any{"op": "get_service", "service_name": "wordpress"})
	assert.Equal(t, `Service "wordpress" does not exist.`, reply["err"])
}

func TestPythonExposeIsIdempotent(t *testing.T) {
	h := newPython(t)
	h.deploy("cs:wordpress", fakebackend.DeployOptions{})

	reply := h.send(map[string]any{"op": "expose", "service_name": "wordpress"})
	assert.Equal(t, map[string]any{"op": "expose", "service_name": "wordpress", "result": true}, reply)
	h.state.NextChanges()

	reply = h.send(map[string]any{"op": "expose", "service_name": "wordpress"})
	assert.Nil(t, reply["err"])
	assert.Equal(t, true, reply["result"])
	svc, _ := h.state.Service("wordpress")
	assert.True(t, svc.Exposed)
	assert.True(t, h.state.NextChanges().Empty())

	reply = h.send(map[string]any{"op": "expose", "service_name": "foobar"})
	assert.Equal(t, false, reply["result"])
	assert.Equal(t, `"foobar" is an invalid service name.`, reply["err"])

	reply = h.send(map[string]any{"op": "unexpose", "service_name": "wordpress"})
	assert.Equal(t, true, reply["result"])
	reply = h.send(map[string]any{"op": "unexpose", "service_name": "wordpress"})
	assert.Equal(t, true, reply["result"])
	reply = h.send(map[string]any{"op": "unexpose", "service_name": "foobar"})
	assert.Equal(t, false, reply["result"])
}

func TestPythonAddRelation(t *testing.T) {
	h := newPython(t)
	h.deploy("cs:wordpress", fakebackend.DeployOptions{})
	h.deploy("cs:mysql", fakebackend.DeployOptions{})

	reply := h.send(map[string]any{"op": "add_relation", "endpoint_a": "wordpress:db", "endpoint_b": "mysql:db"})
	assert.Equal(t, map[string]any{
		"op":         "add_relation",
		"endpoint_a": "wordpress:db",
		"endpoint_b": "mysql:db",
		"result": map[string]any{
			"id":        "relation-0",
			"interface": "mysql",
			"scope":     "global",
			"endpoints": []any{
				map[string]any{"wordpress": map[string]any{"name": "db"}},
				map[string]any{"mysql": map[string]any{"name": "db"}},
			},
		},
	}, reply)
}

func TestPythonAddSubordinateRelation(t *testing.T) {
	h := newPython(t)
	h.deploy("cs:wordpress", fakebackend.DeployOptions{})
	h.deploy("cs:puppet", fakebackend.DeployOptions{})

	reply := h.send(map[string]any{"op": "add_relation", "endpoint_a": "wordpress:juju-info", "endpoint_b": "puppet:juju-info"})
	assert.Equal(t, map[string]any{
		"id":        "relation-0",
		"interface": "juju-info",
		"scope":     "container",
		"endpoints": []any{
			map[string]any{"puppet": map[string]any{"name": "juju-info"}},
			map[string]any{"wordpress": map[string]any{"name": "juju-info"}},
		},
	}, reply["result"])
}

func TestPythonAddRelationErrors(t *testing.T) {
	h := newPython(t)
	h.deploy("cs:wordpress", fakebackend.DeployOptions{})

	reply := h.send(map[string]any{"op": "add_relation", "endpoint_a": "wordpress:db"})
	assert.Equal(t, "Two endpoints required to set up relation.", reply["err"])

	reply = h.send(map[string]any{"op": "add_relation", "endpoint_a": "wordpress:db", "endpoint_b": "mysql:foo"})
	assert.Equal(t, "Charm not loaded.", reply["err"])

	h.deploy("cs:mysql", fakebackend.DeployOptions{})
	reply = h.send(map[string]any{"op": "add_relation", "endpoint_a": "wordpress:db", "endpoint_b": "mysql:foo"})
	assert.Equal(t, "No matching interfaces.", reply["err"])
	assert.Empty(t, h.state.Relations())
}

func TestPythonRemoveRelation(t *testing.T) {
	h := newPython(t)
	h.deploy("cs:wordpress", fakebackend.DeployOptions{})
	h.deploy("cs:mysql", fakebackend.DeployOptions{})
	remove := map[string]any{"op": "remove_relation", "endpoint_a": "wordpress:db", "endpoint_b": "mysql:db"}

	reply := h.send(remove)
	assert.Equal(t, "Relationship does not exist", reply["err"])

	_, err := h.state.AddRelation("wordpress:db", "mysql:db")
	require.NoError(t, err)
	reply = h.send(remove)
	assert.Nil(t, reply["err"])
	assert.Equal(t, true, reply["result"])
	assert.Equal(t, "wordpress:db", reply["endpoint_a"])

	reply = h.send(map[string]any{"op": "remove_relation", "endpoint_a": "no_such", "endpoint_b": "charms"})
	assert.Equal(t, "Charm not loaded.", reply["err"])
}

func TestPythonAnnotationsReachDelta(t *testing.T) {
	h := newPython(t)
	h.deploy("cs:wordpress", fakebackend.DeployOptions{})
	h.state.NextChanges()

	h.send(map[string]any{"op": "update_annotations", "entity": "wordpress", "data": map[string]any{"foo": "bar"}, "request_id": 99})
	h.send(map[string]any{"op": "update_annotations", "entity": "env", "data": map[string]any{"foo": "bar"}, "request_id": 100})
	h.send(map[string]any{"op": "update_annotations", "entity": "wordpress/0", "data": map[string]any{"x": "1"}, "request_id": 101})

	svc, _ := h.state.Service("wordpress")
	assert.Equal(t, map[string]string{"foo": "bar"}, svc.Annotations)
	u, _ := h.state.Unit("wordpress/0")
	assert.Equal(t, map[string]string{"x": "1"}, u.Annotations)

	reply := h.send(map[string]any{"op": "get_annotations", "entity": "env"})
	assert.Equal(t, map[string]any{"foo": "bar"}, reply["result"])

	h.api.SendDelta()
	delta := h.last()
	assert.Equal(t, "delta", delta["op"])
	list := entries(t, delta["result"])
	require.Len(t, list, 3)
	assert.Equal(t, "service", list[0][0])
	assert.Equal(t, "change", list[0][1])
	assert.Equal(t, map[string]any{"foo": "bar"}, list[0][2].(map[string]any)["annotations"])
	assert.Equal(t, "unit", list[1][0])
	assert.Equal(t, []any{"annotations", "change", map[string]any{"foo": "bar"}}, list[2])

	reply = h.send(map[string]any{"op": "remove_annotations", "entity": "wordpress", "keys": []string{"foo"}})
	assert.Equal(t, true, reply["result"])
}

func TestPythonResolved(t *testing.T) {
	h := newPython(t)
	h.deploy("cs:wordpress", fakebackend.DeployOptions{})
	require.NoError(t, h.state.SetUnitAgentState("wordpress/0", fakebackend.AgentError, "install failed"))

	reply := h.send(map[string]any{"op": "resolved", "unit_name": "wordpress/0", "request_id": 99})
	assert.Equal(t, true, reply["result"])
	u, _ := h.state.Unit("wordpress/0")
	assert.Equal(t, fakebackend.AgentStarted, u.AgentState)
}

func TestPythonExportImport(t *testing.T) {
	h := newPython(t)
	h.deploy("cs:wordpress", fakebackend.DeployOptions{})
	h.deploy("cs:mysql", fakebackend.DeployOptions{})
	_, err := h.state.AddRelation("wordpress:db", "mysql:db")
	require.NoError(t, err)

	reply := h.send(map[string]any{"op": "exportEnvironment"})
	exported := reply["result"].(map[string]any)
	services := exported["services"].([]any)
	assert.Equal(t, "wordpress", services[0].(map[string]any)["name"])

	doc, err := json.Marshal(exported)
	require.NoError(t, err)
	other := newPython(t)
	reply = other.send(map[string]any{"op": "importEnvironment", "envData": string(doc)})
	assert.Equal(t, true, reply["result"])

	changes := other.state.NextChanges()
	assert.Contains(t, changes.IDs(fakebackend.KindService), "wordpress")
	assert.Contains(t, changes.IDs(fakebackend.KindService), "mysql")
	assert.Contains(t, changes.IDs(fakebackend.KindRelation), "relation-0")
}

func TestPythonUnknownOperation(t *testing.T) {
	h := newPython(t)
	err := h.conn.Send([]byte(`{"op":"testingTesting123","foo":"bar"}`))
	var unknown *UnknownOperationError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "testingTesting123", unknown.Key)

	var malformed *MalformedFrameError
	require.ErrorAs(t, h.conn.Send([]byte(`{"op":`)), &malformed)
	assert.Len(t, h.frames, 1)
}

func TestPythonDeltaFrames(t *testing.T) {
	h := newPython(t)
	h.api.SendDelta()
	assert.Len(t, h.frames, 1, "empty change set must not produce a frame")

	h.deploy("cs:wordpress", fakebackend.DeployOptions{})
	_, err := h.state.AddUnits("wordpress", 1)
	require.NoError(t, err)
	_, err = h.state.AddUnits("wordpress", 1)
	require.NoError(t, err)

	h.api.SendDelta()
	require.Len(t, h.frames, 2)
	delta := h.last()
	list := entries(t, delta["result"])
	assert.Equal(t, 1, countKind(list, "service"))
	assert.Equal(t, 3, countKind(list, "unit"))
	assert.Equal(t, "service", list[0][0])
	assert.Equal(t, "cs:precise/wordpress-10", list[0][2].(map[string]any)["charm"])
	assert.Equal(t, "machine", list[1][0])

	h.api.SendDelta()
	assert.Len(t, h.frames, 2)

	require.NoError(t, h.state.RemoveUnits([]string{"wordpress/2"}))
	h.api.SendDelta()
	list = entries(t, h.last()["result"])
	require.Len(t, list, 1)
	assert.Equal(t, "remove", list[0][1])
	assert.Equal(t, "wordpress/2", list[0][2].(map[string]any)["id"])
}

func TestPythonCloseCancelsDeltaTimer(t *testing.T) {
	h := newHarness(t, NewPythonAPI, WithDeltaInterval(4*time.Millisecond))
	h.open()
	require.Len(t, h.sched.timers, 1)
	var token loop.TimerID
	var tick func()
	for id, fn := range h.sched.timers {
		token, tick = id, fn
	}
	assert.Equal(t, 4*time.Millisecond, h.sched.intervals[token])

	h.deploy("cs:wordpress", fakebackend.DeployOptions{})
	tick()
	require.Len(t, h.frames, 2)

	h.conn.Close()
	assert.Equal(t, []loop.TimerID{token}, h.sched.cancelled)
	assert.Empty(t, h.sched.timers)

	h.deploy("cs:mysql", fakebackend.DeployOptions{})
	tick()
	assert.Len(t, h.frames, 2)
}

func TestPythonPeriodicDeltaOnLoop(t *testing.T) {
	l := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	state := fakebackend.New(fakebackend.Options{Features: fakebackend.Features{AutoLogin: true}})
	api := NewPythonAPI(state, WithDeltaInterval(5*time.Millisecond))
	conn := NewClientConnection(api, l)
	frames := make(chan map[string]any, 16)
	conn.OnMessage = func(ev MessageEvent) {
		var frame map[string]any
		if json.Unmarshal([]byte(ev.Data), &frame) == nil {
			frames <- frame
		}
	}
	require.NoError(t, l.Sync(conn.Open))
	<-frames

	require.NoError(t, l.Sync(func() error {
		_, err := state.Deploy("cs:wordpress", fakebackend.DeployOptions{})
		return err
	}))
	select {
	case frame := <-frames:
		assert.Equal(t, "delta", frame["op"])
		assert.Len(t, frame["result"], 3)
	case <-time.After(2 * time.Second):
		t.Fatal("no periodic delta")
	}

	require.NoError(t, l.Sync(func() error {
		conn.Close()
		_, err := state.Deploy("cs:mysql", fakebackend.DeployOptions{})
		return err
	}))
	assert.Equal(t, 0, l.Timers())
	select {
	case frame := <-frames:
		t.Fatalf("frame after close: %v", frame)
	case <-time.After(50 * time.Millisecond):
	}
}
