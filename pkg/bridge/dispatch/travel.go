package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/voice-bridge/pkg/bridge/apierror"
	"github.com/vango-go/voice-bridge/pkg/bridge/itinerary"
)

const (
	FunctionPlanTrip   = "plan_trip"
	FunctionExplainDay = "explain_day"

	ActionRenderMap  = "render_map"
	ActionExplainDay = "explain_day"
)

type PlanTripArgs struct {
	City string `json:"city" jsonschema:"description=The city name for the trip"`
	Days Int    `json:"days" jsonschema:"description=Number of days for the trip,minimum=1,maximum=14"`
}

type ExplainDayArgs struct {
	DayNumber Int `json:"day_number" jsonschema:"description=The day number to explain (1-based) or 0 for an overview,minimum=0"`
}

const noItineraryVoice = "I don't have a current itinerary to explain. Would you like me to plan a trip first?"

// TravelFunctions returns the trip planning functions bound to one
// conversation's memory.
func TravelFunctions(gen itinerary.Generator, mem *Memory) []Function {
	return []Function{PlanTrip(gen, mem), ExplainDay(mem)}
}

// PlanTrip generates an itinerary and stores it in mem.
func PlanTrip(gen itinerary.Generator, mem *Memory) Function {
	return Typed(FunctionPlanTrip,
		"Plan a multi-day itinerary for a city. Use this when the user provides BOTH a city name AND number of days.",
		func(ctx context.Context, call Call, args PlanTripArgs) (Result, error) {
			city := strings.TrimSpace(args.City)
			days := int(args.Days)
			if city == "" {
				return Result{Error: "missing required parameter: city", VoiceResponse: apierror.VoiceNoCity}, nil
			}
			if days < itinerary.MinDays || days > itinerary.MaxDays {
				return Result{
					Error:         fmt.Sprintf("days must be between %d and %d", itinerary.MinDays, itinerary.MaxDays),
					City:          city,
					VoiceResponse: apierror.VoiceInvalidDays,
				}, nil
			}
			if gen == nil {
				return Result{}, errors.New("itinerary generator is not configured")
			}

			trace.SpanFromContext(ctx).SetAttributes(
				attribute.String("trip.city", city),
				attribute.Int("trip.days", days),
			)
			it, err := gen.Generate(ctx, city, days)
			if err != nil {
				return Result{
					Error:         "failed to generate itinerary: " + err.Error(),
					City:          city,
					Days:          days,
					VoiceResponse: fmt.Sprintf("I'm sorry, I couldn't create an itinerary for %s. Please try again.", city),
				}, nil
			}
			if it.City == "" {
				it.City = city
			}
			mem.SetItinerary(it, city, days)

			return Result{
				Success:       true,
				Action:        ActionRenderMap,
				City:          city,
				Days:          days,
				Itinerary:     it,
				VoiceResponse: TripSummary(it, city, days),
			}, nil
		})
}

// ExplainDay describes one day, or the whole trip for day 0, from the
// itinerary in mem.
func ExplainDay(mem *Memory) Function {
	return Typed(FunctionExplainDay,
		"Explain the itinerary for a specific day or provide an overview of all days",
		func(ctx context.Context, call Call, args ExplainDayArgs) (Result, error) {
			day := int(args.DayNumber)
			trip, ok := mem.Trip()
			if !ok {
				return Result{
					Error:         "no current itinerary available",
					Action:        ActionExplainDay,
					DayNumber:     &day,
					VoiceResponse: noItineraryVoice,
				}, nil
			}
			return Result{
				Success:       true,
				Action:        ActionExplainDay,
				City:          trip.City,
				Days:          len(trip.Itinerary.Days),
				DayNumber:     &day,
				VoiceResponse: DayExplanation(trip.Itinerary, trip.City, day),
			}, nil
		})
}

// TripSummary is the spoken confirmation after planning a trip.
func TripSummary(it *itinerary.Itinerary, city string, days int) string {
	if it == nil || len(it.Days) == 0 {
		return fmt.Sprintf("I couldn't create an itinerary for %s.", city)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Your %d-day adventure in %s is ready!", days, city)
	for i, d := range it.Days {
		fmt.Fprintf(&b, " Day %d: %s.", i+1, strings.Join(d.StopNames(), ", "))
	}
	b.WriteString(" Say a day number if you'd like more detail.")
	return b.String()
}

// DayExplanation is the spoken answer to explain_day. Day 0 is an overview.
func DayExplanation(it *itinerary.Itinerary, city string, day int) string {
	if it == nil || len(it.Days) == 0 {
		return noItineraryVoice
	}
	days := it.Days

	var b strings.Builder
	if day == 0 {
		fmt.Fprintf(&b, "Here's your complete %d-day itinerary for %s: ", len(days), city)
		for i, d := range days {
			fmt.Fprintf(&b, "Day %d: You'll visit %s. ", i+1, strings.Join(d.StopNames(), ", "))
		}
		b.WriteString("Which day would you like me to explain in more detail?")
		return b.String()
	}

	if day < 0 || day > len(days) {
		return fmt.Sprintf("I don't have information for day %d. Your trip is %d days long.", day, len(days))
	}

	d := days[day-1]
	fmt.Fprintf(&b, "On day %d in %s, here's your plan: ", day, city)
	for j, s := range d.Stops {
		fmt.Fprintf(&b, "Stop %d: %s", j+1, s.Name)
		if s.PlaceType != "" {
			fmt.Fprintf(&b, ", which is a %s", strings.ReplaceAll(s.PlaceType, "_", " "))
		}
		b.WriteString(". ")
	}
	fmt.Fprintf(&b, "That's %d amazing places to explore!", len(d.Stops))
	return b.String()
}
