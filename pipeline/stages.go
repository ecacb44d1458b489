package pipeline

import (
	"context"

	"github.com/trendmill/trendmill/broker"
)

// stage describes one hop in the pipeline: consume from a stream, call one
// collaborator, publish the result one stream further.
type stage struct {
	name      string
	stream    string
	group     string
	next      string
	url       string
	notifyMsg string
	// payload shapes the collaborator request from the consumed fields.
	payload func(fields map[string]string) map[string]string
}

// identityPayload forwards the consumed fields as the collaborator request,
// minus transport bookkeeping.
func identityPayload(fields map[string]string) map[string]string {
	payload := make(map[string]string, len(fields))
	for k, v := range fields {
		if k == "correlation_id" {
			continue
		}
		payload[k] = v
	}
	return payload
}

// stages builds the four hop definitions from the configured collaborator
// URLs, in pipeline order.
func stages(urls CollaboratorURLs) []stage {
	return []stage{
		{
			name:      "ideation",
			stream:    broker.StreamTrendSignals,
			group:     "trend",
			next:      broker.StreamIdeasReady,
			url:       urls.Ideation,
			notifyMsg: "Ideas generated",
			payload: func(fields map[string]string) map[string]string {
				return map[string]string{"trend": fields["keyword"]}
			},
		},
		{
			name:      "image",
			stream:    broker.StreamIdeasReady,
			group:     "ideas",
			next:      broker.StreamImagesReady,
			url:       urls.Image,
			notifyMsg: "Images generated",
			payload:   identityPayload,
		},
		{
			name:      "product",
			stream:    broker.StreamImagesReady,
			group:     "images",
			next:      broker.StreamProductsReady,
			url:       urls.Product,
			notifyMsg: "Product created",
			payload:   identityPayload,
		},
		{
			name:      "listing",
			stream:    broker.StreamProductsReady,
			group:     "products",
			next:      broker.StreamListingsReady,
			url:       urls.Listing,
			notifyMsg: "Listing published",
			payload:   identityPayload,
		},
	}
}

// handler builds the broker handler for one stage. A collaborator or publish
// failure propagates so the entry stays unacknowledged for redelivery; the
// correlation id attached at first publish rides along on every republish.
func (o *Orchestrator) handler(st stage) broker.Handler {
	return func(ctx context.Context, msg *broker.Message) error {
		callCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
		defer cancel()

		result, err := o.client.post(callCtx, st.url, st.payload(msg.Fields))
		if err != nil {
			return err
		}

		if cid := msg.Fields["correlation_id"]; cid != "" {
			result["correlation_id"] = cid
		}

		if _, err := o.broker.Publish(ctx, st.next, result); err != nil {
			return err
		}

		o.notifier.Notify(ctx, st.notifyMsg)
		return nil
	}
}
