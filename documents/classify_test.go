package documents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatcherd.io/store"
)

func TestClassify_FromSearchParams(t *testing.T) {
	params := &store.SearchParams{CourtRegion: "30", INSType: "2"}
	region, instance, source, at := classify(params, nil)
	require.NotNil(t, region)
	require.NotNil(t, instance)
	assert.Equal(t, "30", *region)
	assert.Equal(t, "2", *instance)
	assert.Equal(t, sourceSearchParams, source)
	assert.NotNil(t, at)
}

// A cassation court name yields an instance but no region keyword, and the
// extraction stage only classifies when it finds both.
func TestClassify_FromCourtNameCassationWithoutRegionIsUnclassified(t *testing.T) {
	name := "Касаційний господарський суд"
	region, instance, source, _ := classify(nil, &name)
	assert.Nil(t, region)
	assert.Nil(t, instance)
	assert.Equal(t, sourceNone, source)
}

func TestClassify_FromCourtNameAppellate(t *testing.T) {
	name := "Київський апеляційний суд"
	region, instance, source, _ := classify(nil, &name)
	require.NotNil(t, instance)
	assert.Equal(t, "2", *instance)
	require.NotNil(t, region)
	assert.Equal(t, "11", *region)
	assert.Equal(t, sourceExtracted, source)
}

func TestClassify_FromCourtNameAppellateLviv(t *testing.T) {
	name := "Львівський апеляційний суд"
	region, instance, source, _ := classify(nil, &name)
	require.NotNil(t, instance)
	assert.Equal(t, "2", *instance)
	require.NotNil(t, region)
	assert.Equal(t, "14", *region)
	assert.Equal(t, sourceExtracted, source)
}

func TestClassify_FromCourtNameDistrict(t *testing.T) {
	name := "Харківський районний суд"
	region, instance, source, _ := classify(nil, &name)
	require.NotNil(t, instance)
	assert.Equal(t, "1", *instance)
	require.NotNil(t, region)
	assert.Equal(t, "21", *region)
	assert.Equal(t, sourceExtracted, source)
}

func TestClassify_Unclassifiable(t *testing.T) {
	name := "Supreme Court of Nowhere"
	region, instance, source, at := classify(nil, &name)
	assert.Nil(t, region)
	assert.Nil(t, instance)
	assert.Equal(t, sourceNone, source)
	assert.Nil(t, at)
}

func TestClassify_SearchParamsPreferredOverCourtName(t *testing.T) {
	params := &store.SearchParams{CourtRegion: "30"}
	name := "Касаційний господарський суд"
	_, instance, source, _ := classify(params, &name)
	assert.Nil(t, instance) // search params had no INSType, and search-params stage wins outright
	assert.Equal(t, sourceSearchParams, source)
}
