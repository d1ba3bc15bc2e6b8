package sandbox

import (
	"github.com/zot/sandbox/internal/fakebackend"
)

var errTwoEndpoints = &fakebackend.Error{Message: "Two endpoints required to set up relation."}

// ServiceInfo is what get_service returns.
type ServiceInfo struct {
	Service *fakebackend.Service
	Charm   *fakebackend.Charm
	Units   []*fakebackend.Unit
}

var engineHandlers = map[Op]Handler{
	OpLogin:             handleLogin,
	OpEnvironmentInfo:   handleEnvironmentInfo,
	OpDeploy:            handleDeploy,
	OpSetCharm:          handleSetCharm,
	OpAddUnits:          handleAddUnits,
	OpRemoveUnits:       handleRemoveUnits,
	OpGetService:        handleGetService,
	OpGetCharm:          handleGetCharm,
	OpDestroyService:    handleDestroyService,
	OpSetConfig:         handleSetConfig,
	OpSetConstraints:    handleSetConstraints,
	OpExpose:            handleExpose,
	OpUnexpose:          handleUnexpose,
	OpAddRelation:       handleAddRelation,
	OpRemoveRelation:    handleRemoveRelation,
	OpUpdateAnnotations: handleUpdateAnnotations,
	OpGetAnnotations:    handleGetAnnotations,
	OpRemoveAnnotations: handleRemoveAnnotations,
	OpResolved:          handleResolved,
	OpExport:            handleExport,
	OpImport:            handleImport,
}

func result(v any, err error) Result {
	if err != nil {
		return Failure(err)
	}
	return Success(v)
}

func handleLogin(api *API, call *Call) Result {
	return result(true, api.state.Login(call.Args.User, call.Args.Password))
}

func handleEnvironmentInfo(api *API, _ *Call) Result {
	return Success(api.state.Environment())
}

func handleDeploy(api *API, call *Call) Result {
	args := call.Args
	return result(api.state.Deploy(args.CharmURL, fakebackend.DeployOptions{
		ServiceName: args.ServiceName,
		Config:      args.Config,
		ConfigYAML:  args.ConfigYAML,
		Constraints: args.Constraints,
		NumUnits:    args.NumUnits,
	}))
}

func handleSetCharm(api *API, call *Call) Result {
	return result(true, api.state.SetCharm(call.Args.ServiceName, call.Args.CharmURL, call.Args.Force))
}

func handleAddUnits(api *API, call *Call) Result {
	return result(api.state.AddUnits(call.Args.ServiceName, call.Args.NumUnits))
}

func handleRemoveUnits(api *API, call *Call) Result {
	return result(true, api.state.RemoveUnits(call.Args.Units))
}

func handleGetService(api *API, call *Call) Result {
	svc, err := api.state.Service(call.Args.ServiceName)
	if err != nil {
		return Failure(err)
	}
	charm, _ := api.state.Charms().Resolve(svc.Charm)
	return Success(&ServiceInfo{Service: svc, Charm: charm, Units: api.state.Units(svc.Name)})
}

func handleGetCharm(api *API, call *Call) Result {
	return result(api.state.Charm(call.Args.CharmURL))
}

func handleDestroyService(api *API, call *Call) Result {
	return result(call.Args.ServiceName, api.state.DestroyService(call.Args.ServiceName))
}

func handleSetConfig(api *API, call *Call) Result {
	if call.Args.ConfigYAML != "" {
		return result(api.state.SetConfigYAML(call.Args.ServiceName, call.Args.ConfigYAML))
	}
	return result(api.state.SetConfig(call.Args.ServiceName, call.Args.Config))
}

func handleSetConstraints(api *API, call *Call) Result {
	return result(api.state.SetConstraints(call.Args.ServiceName, call.Args.Constraints))
}

func handleExpose(api *API, call *Call) Result {
	return result(true, api.state.Expose(call.Args.ServiceName))
}

func handleUnexpose(api *API, call *Call) Result {
	return result(true, api.state.Unexpose(call.Args.ServiceName))
}

func handleAddRelation(api *API, call *Call) Result {
	if len(call.Args.Endpoints) != 2 {
		return Failure(errTwoEndpoints)
	}
	return result(api.state.AddRelation(call.Args.Endpoints[0], call.Args.Endpoints[1]))
}

func handleRemoveRelation(api *API, call *Call) Result {
	if len(call.Args.Endpoints) != 2 {
		return Failure(errTwoEndpoints)
	}
	return result(true, api.state.RemoveRelation(call.Args.Endpoints[0], call.Args.Endpoints[1]))
}

func handleUpdateAnnotations(api *API, call *Call) Result {
	return result(api.state.UpdateAnnotations(call.Args.Entity, call.Args.Annotations))
}

func handleGetAnnotations(api *API, call *Call) Result {
	return result(api.state.Annotations(call.Args.Entity))
}

func handleRemoveAnnotations(api *API, call *Call) Result {
	return result(true, api.state.RemoveAnnotations(call.Args.Entity, call.Args.Keys))
}

func handleResolved(api *API, call *Call) Result {
	return result(true, api.state.Resolved(call.Args.Unit, call.Args.Retry))
}

func handleExport(api *API, _ *Call) Result {
	return result(api.state.Export())
}

func handleImport(api *API, call *Call) Result {
	return result(true, api.state.Import(call.Args.Data))
}
