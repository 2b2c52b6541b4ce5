package travel

import (
	"fmt"
	"math"
	"time"

	apperrors "github.com/clinicq/queuetrack/internal/errors"
	"github.com/clinicq/queuetrack/internal/models"
)

const earthRadiusKm = 6371.0

// Assumed average speeds per travel mode, in km/h.
var speedKmh = map[models.TravelMode]float64{
	models.TravelModeDriving:   40,
	models.TravelModeWalking:   5,
	models.TravelModeTransit:   30,
	models.TravelModeBicycling: 15,
}

// departureBuffer is subtracted from the leave-by time so the patient is not
// cutting it to the exact minute.
const departureBuffer = 5 * time.Minute

// Distance returns the great-circle distance between two points in km,
// using the Haversine formula.
func Distance(from, to models.Coordinates) float64 {
	dLat := toRadians(to.Latitude - from.Latitude)
	dLon := toRadians(to.Longitude - from.Longitude)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(from.Latitude))*math.Cos(toRadians(to.Latitude))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// Estimate returns the travel time in whole minutes between two points for
// the given mode. Minutes are rounded up so the estimate never
// under-promises; zero distance stays zero.
func Estimate(from, to models.Coordinates, mode models.TravelMode) (int, error) {
	if err := from.Validate(); err != nil {
		return 0, err
	}
	if err := to.Validate(); err != nil {
		return 0, err
	}
	speed, ok := speedKmh[mode]
	if !ok {
		return 0, fmt.Errorf("%w: unknown travel mode %q", apperrors.ErrInvalidInput, mode)
	}

	km := Distance(from, to)
	if km == 0 {
		return 0, nil
	}

	return int(math.Ceil(km / speed * 60)), nil
}

// Plan builds a TravelInfo for the given route: how long the trip takes and
// when the patient should leave, given the server's current wait estimate.
// The leave time never lands in the past.
func Plan(from, to models.Coordinates, mode models.TravelMode, estimatedWaitMin int, now time.Time) (*models.TravelInfo, error) {
	minutes, err := Estimate(from, to, mode)
	if err != nil {
		return nil, err
	}

	slack := time.Duration(estimatedWaitMin-minutes)*time.Minute - departureBuffer
	if slack < 0 {
		slack = 0
	}

	km := Distance(from, to)
	return &models.TravelInfo{
		Mode:        mode,
		DurationMin: minutes,
		DistanceKm:  &km,
		LeaveTime:   now.Add(slack),
	}, nil
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
