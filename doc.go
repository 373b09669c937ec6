// Package statemachine drives long-lived entities through their states.
//
// An EntityManager owns a store of leasable entities and a Manager loop.
// Handlers are registered per state with OnState; on every tick each
// handler's processor claims a batch of unleased entities in that state and
// hands them to the handler one by one. Handlers usually build a
// retry.Processor for the entity, which gates on backoff, runs the stage
// pipeline and routes the outcome to success, failure or final failure
// callbacks that persist the next state:
//
//	em := statemachine.NewEntityManager("transfers", store,
//		statemachine.WithRetryConfiguration(retry.DefaultConfiguration()))
//
//	em.OnState(Requested, func(ctx context.Context, t *Transfer) (bool, error) {
//		return retry.NewProcessor(t, em.Runtime(), provision, t.Request, callbacks).Execute(ctx)
//	})
//
//	if err := em.Start(ctx); err != nil {
//		return err
//	}
//	defer em.Stop(context.Background())
//
// Several runtimes can share a store: claims are atomic and a lease left
// behind by a crashed runtime expires after its duration.
package statemachine
