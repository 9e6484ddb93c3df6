package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSeries = `{
  "name": "Anthrocon",
  "url": "https://www.anthrocon.org",
  "events": [
    {
      "id": "anthrocon-2025",
      "name": "Anthrocon 2025",
      "url": "https://www.anthrocon.org",
      "startDate": "2025-07-03",
      "endDate": "2025-07-06",
      "venue": "David L. Lawrence Convention Center",
      "address": "1000 Fort Duquesne Blvd, Pittsburgh, PA 15222, USA",
      "country": "US",
      "latLng": [
        40.0,
        -79.996
      ]
    },
    {
      "id": "anthrocon-2024",
      "name": "Anthrocon 2024",
      "startDate": "2024-07-04",
      "endDate": "2024-07-07",
      "url": "https://www.anthrocon.org",
      "venue": "Café & Hall <A>",
      "locale": "de-DE",
      "translations": {
        "en": {
          "venue": "Cafe and Hall"
        }
      },
      "ageRestriction": 18,
      "canceled": true,
      "sources": [
        "fancons.com"
      ]
    }
  ],
  "extraTopLevel": "kept"
}
`

func TestRoundTripIsByteIdentical(t *testing.T) {
	s, err := DecodeSeries(strings.NewReader(sampleSeries))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeSeries(&buf, s))
	assert.Equal(t, sampleSeries, buf.String())
}

func TestRoundTripKeepsCoordinateLiterals(t *testing.T) {
	const doc = `{
  "name": "Eurofurence",
  "events": [
    {
      "id": "eurofurence-2025",
      "name": "Eurofurence 2025",
      "startDate": "2025-09-03",
      "endDate": "2025-09-06",
      "latLng": [
        52,
        13.0
      ]
    }
  ]
}
`
	s, err := DecodeSeries(strings.NewReader(doc))
	require.NoError(t, err)
	require.NotNil(t, s.Events[0].LatLng)
	assert.Equal(t, 52.0, s.Events[0].LatLng.Lat)

	var buf bytes.Buffer
	require.NoError(t, EncodeSeries(&buf, s))
	assert.Equal(t, doc, buf.String())

	s.Events[0].LatLng.Lat = 52.5
	b, err := json.Marshal(s.Events[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"latLng":[52.5,13.0]`)

	fresh, err := json.Marshal(LatLng{Lat: 52, Lng: 13})
	require.NoError(t, err)
	assert.Equal(t, "[52.0,13.0]", string(fresh))
}

func TestDecodeTypedFields(t *testing.T) {
	s, err := DecodeSeries(strings.NewReader(sampleSeries))
	require.NoError(t, err)
	require.Len(t, s.Events, 2)

	e := s.Events[0]
	assert.Equal(t, "anthrocon-2025", e.ID)
	assert.Equal(t, NewDate(2025, 7, 3), e.StartDate)
	require.NotNil(t, e.LatLng)
	assert.Equal(t, 40.0, e.LatLng.Lat)

	old := s.Events[1]
	assert.True(t, old.Canceled)
	assert.Equal(t, []string{"fancons.com"}, old.Sources)
	assert.JSONEq(t, "18", string(old.AgeRestriction))
	tr, ok := old.Extra("translations")
	require.True(t, ok)
	assert.JSONEq(t, `{"en":{"venue":"Cafe and Hall"}}`, string(tr))
}

func TestNullsAndEmptyValuesAreDropped(t *testing.T) {
	doc := `{"name":"X","events":[{"id":"x-1","name":"X 1","url":null,"startDate":"2020-01-01","endDate":"2020-01-02","address":null,"latLng":null,"canceled":false,"sources":[]}]}`
	s, err := DecodeSeries(strings.NewReader(doc))
	require.NoError(t, err)

	s.Events[0].Venue = ""
	b, err := json.Marshal(s)
	require.NoError(t, err)

	assert.NotContains(t, string(b), "null")
	assert.NotContains(t, string(b), `"address"`)
	assert.NotContains(t, string(b), `"canceled"`)
	assert.NotContains(t, string(b), `"sources"`)
	assert.Contains(t, string(b), `"events":[{"id":"x-1","name":"X 1","startDate":"2020-01-01","endDate":"2020-01-02"}]`)
}

func TestNewEventUsesAssemblyOrder(t *testing.T) {
	e := Event{
		Sources:   []string{"guessed"},
		LatLng:    &LatLng{Lat: 1.5, Lng: 2},
		Venue:     "Hall X",
		EndDate:   NewDate(2026, 1, 3),
		StartDate: NewDate(2026, 1, 1),
		URL:       "https://example.org",
		Name:      "Con 2026",
		ID:        "con-2026",
	}
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Equal(t,
		`{"id":"con-2026","name":"Con 2026","url":"https://example.org","startDate":"2026-01-01","endDate":"2026-01-03","venue":"Hall X","latLng":[1.5,2.0],"sources":["guessed"]}`,
		string(b))
}

func TestEmptySeriesEncodesEmptyEvents(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeSeries(&buf, NewSeries("New Con", "")))
	assert.Equal(t, "{\n  \"name\": \"New Con\",\n  \"events\": []\n}\n", buf.String())
}

func TestCloneIsDeep(t *testing.T) {
	s, err := DecodeSeries(strings.NewReader(sampleSeries))
	require.NoError(t, err)

	c := s.Events[0].Clone()
	c.LatLng.Lat = 1
	assert.Equal(t, 40.0, s.Events[0].LatLng.Lat)
}

func TestDateCompare(t *testing.T) {
	a := NewDate(2024, 12, 31)
	b := NewDate(2025, 1, 1)
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.Equal(t, b, a.AddDays(1))
	assert.Equal(t, NewDate(2025, 3, 2), NewDate(2025, 2, 30))

	_, err := ParseDate("2025-13-01")
	assert.Error(t, err)
}
